// Package ledger defines the external position ledger the engine depends on:
// the system that owns staked positions, their authorities and lockups, and
// the liquid accounts funds move between.
//
// Queries are individual calls. Mutations are submitted as a Batch of
// instructions that the ledger must apply all-or-nothing.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrPositionNotFound is returned for unknown positions.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrUnauthorized is returned when an instruction's signer does not hold
	// the authority it claims.
	ErrUnauthorized = errors.New("ledger: signer lacks authority")

	// ErrInsufficientFunds is returned when a transfer exceeds the source balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNotWithdrawable is returned when withdrawing from a position that is
	// still locked or deactivating.
	ErrNotWithdrawable = errors.New("ledger: position not withdrawable")
)

// Authorized holds the two authority roles over a position. The owner
// (withdraw authority) can reassign both.
type Authorized struct {
	Controller string `json:"controller"`
	Owner      string `json:"owner"`
}

// Lockup describes a custodial restriction on transferring a position.
type Lockup struct {
	InForce   bool   `json:"in_force"`
	Custodian string `json:"custodian,omitempty"`
}

// PositionLedger is the capability set the engine needs from the ledger.
type PositionLedger interface {
	// Authorized returns the current authority holders of a position.
	Authorized(ctx context.Context, position string) (Authorized, error)

	// Lockup reports whether a lockup currently restricts the position.
	Lockup(ctx context.Context, position string) (Lockup, error)

	// CurrentValue returns the position's current value in lamports.
	CurrentValue(ctx context.Context, position string) (uint64, error)

	// RequestDeactivation starts the unlock process. signer must be the
	// position's controller.
	RequestDeactivation(ctx context.Context, position, signer string) error

	// IsMatured reports whether the position is fully inactive and withdrawable.
	IsMatured(ctx context.Context, position string) (bool, error)

	// Execute applies every instruction in the batch or none of them.
	Execute(ctx context.Context, batch Batch) error
}
