package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Status is a position's activation status on the ledger.
type Status string

const (
	StatusActive       Status = "active"
	StatusDeactivating Status = "deactivating"
	StatusInactive     Status = "inactive"
)

// Position is the ledger's view of one staked position.
type Position struct {
	Authorized        Authorized `json:"authorized"`
	Custodian         string     `json:"custodian,omitempty"`
	LockupEpoch       uint64     `json:"lockup_epoch"` // lockup in force while epoch < LockupEpoch
	Lamports          uint64     `json:"lamports"`
	Status            Status     `json:"status"`
	DeactivationEpoch uint64     `json:"deactivation_epoch"`
}

// Memory implements PositionLedger in memory with a simple epoch clock:
// a deactivating position matures once the epoch advances past the one in
// which deactivation was requested. Used for testing and development.
type Memory struct {
	mu        sync.RWMutex
	epoch     uint64
	positions map[string]*Position
	balances  map[string]uint64
	failNext  error
}

// NewMemory creates an empty in-memory ledger at epoch 0.
func NewMemory() *Memory {
	return &Memory{
		positions: make(map[string]*Position),
		balances:  make(map[string]uint64),
	}
}

// AddPosition registers or replaces a position.
func (m *Memory) AddPosition(id string, p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = StatusActive
	}
	cp := p
	m.positions[id] = &cp
}

// GetPosition returns a copy of a position.
func (m *Memory) GetPosition(id string) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return *p, nil
}

// Fund credits lamports to a liquid account.
func (m *Memory) Fund(account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Balance returns a liquid account's balance.
func (m *Memory) Balance(account string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account]
}

// AdvanceEpoch moves the clock forward and returns the new epoch.
func (m *Memory) AdvanceEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	for _, p := range m.positions {
		if p.Status == StatusDeactivating && m.epoch > p.DeactivationEpoch {
			p.Status = StatusInactive
		}
	}
	return m.epoch
}

// FailNextExecute makes the next Execute call fail with err without applying anything.
func (m *Memory) FailNextExecute(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) lookup(id string) (*Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return p, nil
}

func (m *Memory) Authorized(_ context.Context, position string) (Authorized, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(position)
	if err != nil {
		return Authorized{}, err
	}
	return p.Authorized, nil
}

func (m *Memory) Lockup(_ context.Context, position string) (Lockup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(position)
	if err != nil {
		return Lockup{}, err
	}
	return Lockup{InForce: m.epoch < p.LockupEpoch, Custodian: p.Custodian}, nil
}

func (m *Memory) CurrentValue(_ context.Context, position string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(position)
	if err != nil {
		return 0, err
	}
	return p.Lamports, nil
}

func (m *Memory) RequestDeactivation(_ context.Context, position, signer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(position)
	if err != nil {
		return err
	}
	if signer != p.Authorized.Controller {
		return fmt.Errorf("%w: %s is not controller of %s", ErrUnauthorized, signer, position)
	}
	if p.Status == StatusActive {
		p.Status = StatusDeactivating
		p.DeactivationEpoch = m.epoch
	}
	return nil
}

func (m *Memory) IsMatured(_ context.Context, position string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.lookup(position)
	if err != nil {
		return false, err
	}
	return p.Status == StatusInactive, nil
}

// Execute stages every instruction against copies and swaps them in only if
// the whole batch succeeds.
func (m *Memory) Execute(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}

	positions := make(map[string]Position)
	balances := make(map[string]uint64)

	getPosition := func(id string) (Position, error) {
		if p, ok := positions[id]; ok {
			return p, nil
		}
		p, err := m.lookup(id)
		if err != nil {
			return Position{}, err
		}
		return *p, nil
	}
	getBalance := func(account string) uint64 {
		if b, ok := balances[account]; ok {
			return b
		}
		return m.balances[account]
	}

	for i, in := range batch.Instructions {
		switch in.Op {
		case OpAuthorize:
			p, err := getPosition(in.Position)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			if in.Signer != p.Authorized.Owner {
				return fmt.Errorf("instruction %d: %w: %s is not owner of %s", i, ErrUnauthorized, in.Signer, in.Position)
			}
			if m.epoch < p.LockupEpoch {
				return fmt.Errorf("instruction %d: %w: lockup in force on %s", i, ErrUnauthorized, in.Position)
			}
			p.Authorized = Authorized{Controller: in.NewController, Owner: in.NewOwner}
			positions[in.Position] = p

		case OpTransfer:
			from := getBalance(in.From)
			if from < in.Amount {
				return fmt.Errorf("instruction %d: %w: %s has %d, needs %d", i, ErrInsufficientFunds, in.From, from, in.Amount)
			}
			balances[in.From] = from - in.Amount
			balances[in.To] = getBalance(in.To) + in.Amount

		case OpWithdraw:
			p, err := getPosition(in.Position)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			if in.Signer != p.Authorized.Owner {
				return fmt.Errorf("instruction %d: %w: %s is not owner of %s", i, ErrUnauthorized, in.Signer, in.Position)
			}
			if p.Status != StatusInactive {
				return fmt.Errorf("instruction %d: %w: %s is %s", i, ErrNotWithdrawable, in.Position, p.Status)
			}
			if p.Lamports < in.Amount {
				return fmt.Errorf("instruction %d: %w: %s holds %d", i, ErrInsufficientFunds, in.Position, p.Lamports)
			}
			p.Lamports -= in.Amount
			positions[in.Position] = p
			balances[in.To] = getBalance(in.To) + in.Amount

		default:
			return fmt.Errorf("instruction %d: unknown op %q", i, in.Op)
		}
	}

	for id, p := range positions {
		cp := p
		m.positions[id] = &cp
	}
	for account, b := range balances {
		m.balances[account] = b
	}
	return nil
}
