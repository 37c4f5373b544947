// Package model defines the core domain types shared across the unstake engine.
// All amounts are integer lamports and all ratios are rational.Rational, never
// float64 for money.
package model

import (
	"time"

	"github.com/atmx/unstake-engine/internal/fee"
)

// Pool is one liquidity pool: the reserves that pay for incoming positions
// and the provider shares that claim them.
type Pool struct {
	ID             string    `json:"id" db:"id"`
	Authority      string    `json:"authority" db:"authority"`
	FeeAuthority   string    `json:"fee_authority" db:"fee_authority"`
	ReserveAccount string    `json:"reserve_account" db:"reserve_account"`
	Fee            fee.Fee   `json:"fee" db:"fee"`
	Reserves       uint64    `json:"reserves" db:"reserves"`             // liquid lamports available for payouts
	IncomingStake  uint64    `json:"incoming_stake" db:"incoming_stake"` // Σ lamports_at_creation of unreclaimed positions
	LPSupply       uint64    `json:"lp_supply" db:"lp_supply"`
	Version        uint64    `json:"version" db:"version"` // bumped on every committed mutation
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// OwnedLamports is everything the providers collectively own: liquid
// reserves plus positions waiting to be reclaimed.
func (p Pool) OwnedLamports() uint64 {
	return p.Reserves + p.IncomingStake
}

// Clone returns a copy that shares no mutable state with p.
func (p Pool) Clone() Pool {
	p.Fee = p.Fee.Clone()
	return p
}

// StakeAccountRecord exists exactly once per position accepted by a pool and
// is destroyed when the position is reclaimed.
type StakeAccountRecord struct {
	PoolID             string    `json:"pool_id" db:"pool_id"`
	PositionID         string    `json:"position_id" db:"position_id"`
	LamportsAtCreation uint64    `json:"lamports_at_creation" db:"lamports_at_creation"`
	Payer              string    `json:"payer" db:"payer"` // receives Rent back on reclaim
	Rent               uint64    `json:"rent" db:"rent"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// ProviderPosition is one liquidity provider's share balance in a pool.
type ProviderPosition struct {
	PoolID   string `json:"pool_id" db:"pool_id"`
	Provider string `json:"provider" db:"provider"`
	Shares   uint64 `json:"shares" db:"shares"`
}

// Ledger entry kinds.
const (
	EntryUnstake         = "unstake"
	EntryReclaim         = "reclaim"
	EntryAddLiquidity    = "add_liquidity"
	EntryRemoveLiquidity = "remove_liquidity"
)

// LedgerEntry is an immutable record of one committed pool mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	PoolID        string    `json:"pool_id" db:"pool_id"`
	Kind          string    `json:"kind" db:"kind"`
	Account       string    `json:"account" db:"account"` // requester or provider
	PositionID    string    `json:"position_id,omitempty" db:"position_id"`
	Amount        uint64    `json:"amount" db:"amount"` // lamports moved in or out of reserves
	Fee           uint64    `json:"fee" db:"fee"`
	Shares        uint64    `json:"shares" db:"shares"`
	ReservesAfter uint64    `json:"reserves_after" db:"reserves_after"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// UnstakeEvent is the analytics record emitted once per accepted position.
type UnstakeEvent struct {
	PoolID             string    `json:"pool_id"`
	PositionID         string    `json:"position_id"`
	Controller         string    `json:"controller"` // position controller before acceptance
	Requester          string    `json:"requester"`
	Fee                string    `json:"fee"`       // curve in force
	FeeRatio           string    `json:"fee_ratio"` // ratio applied
	LamportsAtCreation uint64    `json:"lamports_at_creation"`
	Paid               uint64    `json:"paid"`
	FeeAmount          uint64    `json:"fee_amount"`
	ProtocolAmount     uint64    `json:"protocol_amount"`
	ReferrerAmount     uint64    `json:"referrer_amount"`
	Timestamp          time.Time `json:"timestamp"`
}
