// Package lifecycle tracks a staked position from its holder, through pool
// ownership and deactivation, to reclamation.
//
// The state is never stored. It is derived from whether the pool holds a
// StakeAccountRecord for the position and from what the position ledger
// reports about it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/unstake-engine/internal/ledger"
	"github.com/atmx/unstake-engine/internal/model"
)

var (
	// ErrNotOwned is returned when the caller lacks the required authority.
	ErrNotOwned = errors.New("lifecycle: caller does not own position")

	// ErrLockupInForce is returned when a lockup forbids transferring the position.
	ErrLockupInForce = errors.New("lifecycle: position lockup in force")

	// ErrNotYetMature is returned when reclaiming before the ledger reports the
	// position inactive.
	ErrNotYetMature = errors.New("lifecycle: position not yet mature")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the position's current state.
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")
)

// State of a position relative to a pool.
type State string

const (
	HeldByUser     State = "held_by_user"
	AcceptedByPool State = "accepted_by_pool"
	Deactivating   State = "deactivating"
	Matured        State = "matured"
	Reclaimed      State = "reclaimed"
)

// Machine evaluates states and transition preconditions against a ledger.
type Machine struct {
	ledger ledger.PositionLedger
}

// NewMachine creates a state machine reading from the given ledger.
func NewMachine(l ledger.PositionLedger) *Machine {
	return &Machine{ledger: l}
}

// State derives where a position stands. reserveAccount is the pool's
// reserve identity; record is nil if the pool holds no record. A position
// whose record is gone but that the pool still controls has been reclaimed.
func (m *Machine) State(ctx context.Context, position, reserveAccount string, record *model.StakeAccountRecord) (State, error) {
	auth, err := m.ledger.Authorized(ctx, position)
	if err != nil {
		return "", err
	}
	if record == nil {
		if auth.Owner == reserveAccount {
			return Reclaimed, nil
		}
		return HeldByUser, nil
	}
	matured, err := m.ledger.IsMatured(ctx, position)
	if err != nil {
		return "", err
	}
	if matured {
		return Matured, nil
	}
	deactivating, err := m.isDeactivating(ctx, position)
	if err != nil {
		return "", err
	}
	if deactivating {
		return Deactivating, nil
	}
	return AcceptedByPool, nil
}

// statusReporter is implemented by ledgers that expose finer-grained status.
type statusReporter interface {
	GetPosition(id string) (ledger.Position, error)
}

func (m *Machine) isDeactivating(_ context.Context, position string) (bool, error) {
	sr, ok := m.ledger.(statusReporter)
	if !ok {
		return false, nil
	}
	p, err := sr.GetPosition(position)
	if err != nil {
		return false, err
	}
	return p.Status == ledger.StatusDeactivating, nil
}

// Acceptance is what PrepareAccept learned about a position.
type Acceptance struct {
	Position string
	Previous ledger.Authorized
	Value    uint64
}

// PrepareAccept checks that caller may hand the position to the pool and
// measures its value. It mutates nothing.
func (m *Machine) PrepareAccept(ctx context.Context, position, caller string) (Acceptance, error) {
	auth, err := m.ledger.Authorized(ctx, position)
	if err != nil {
		return Acceptance{}, err
	}
	// The owner can reassign both roles, so it is the only one checked.
	if auth.Owner != caller {
		return Acceptance{}, fmt.Errorf("%w: %s", ErrNotOwned, position)
	}
	lk, err := m.ledger.Lockup(ctx, position)
	if err != nil {
		return Acceptance{}, err
	}
	if lk.InForce {
		return Acceptance{}, fmt.Errorf("%w: %s", ErrLockupInForce, position)
	}
	value, err := m.ledger.CurrentValue(ctx, position)
	if err != nil {
		return Acceptance{}, err
	}
	return Acceptance{Position: position, Previous: auth, Value: value}, nil
}

// AcceptInstructions appends the authority transfer that hands both roles
// of the position to the pool's reserve account.
func AcceptInstructions(b *ledger.Batch, acc Acceptance, reserveAccount string) {
	b.TransferAuthority(acc.Position, acc.Previous.Owner, reserveAccount, reserveAccount)
}

// Deactivate asks the ledger to begin unlocking a position the pool holds.
// It only forwards intent; no record changes.
func (m *Machine) Deactivate(ctx context.Context, record *model.StakeAccountRecord, reserveAccount string) error {
	if record == nil {
		return fmt.Errorf("%w: no record for position", ErrInvalidTransition)
	}
	state, err := m.State(ctx, record.PositionID, reserveAccount, record)
	if err != nil {
		return err
	}
	switch state {
	case AcceptedByPool:
		return m.ledger.RequestDeactivation(ctx, record.PositionID, reserveAccount)
	case Deactivating, Matured:
		return nil
	default:
		return fmt.Errorf("%w: cannot deactivate from %s", ErrInvalidTransition, state)
	}
}

// PrepareReclaim confirms maturity and returns the value to withdraw.
func (m *Machine) PrepareReclaim(ctx context.Context, record *model.StakeAccountRecord) (uint64, error) {
	if record == nil {
		return 0, fmt.Errorf("%w: no record for position", ErrInvalidTransition)
	}
	matured, err := m.ledger.IsMatured(ctx, record.PositionID)
	if err != nil {
		return 0, err
	}
	if !matured {
		return 0, fmt.Errorf("%w: %s", ErrNotYetMature, record.PositionID)
	}
	return m.ledger.CurrentValue(ctx, record.PositionID)
}

// ReclaimInstructions appends the withdrawal of a matured position's full
// value into the pool's reserves.
func ReclaimInstructions(b *ledger.Batch, record *model.StakeAccountRecord, reserveAccount string, value uint64) {
	b.Withdraw(record.PositionID, reserveAccount, reserveAccount, value)
}
