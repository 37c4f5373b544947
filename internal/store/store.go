// Package store defines the persistence interface for the unstake engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
)

var (
	// ErrNotFound is returned when a pool, record or setting does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRecordExists is returned when a position already has a record in the pool.
	ErrRecordExists = errors.New("store: stake account record already exists")

	// ErrConflict is returned when a pool changed since it was read.
	ErrConflict = errors.New("store: pool modified concurrently")

	// ErrAlreadyExists is returned when creating a pool or protocol fee twice.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Reader holds the lookups available both inside and outside a transaction.
type Reader interface {
	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetStakeRecord retrieves the record of a position accepted by a pool.
	GetStakeRecord(ctx context.Context, poolID, positionID string) (*model.StakeAccountRecord, error)

	// GetProviderShares returns a provider's share balance (0 if none).
	GetProviderShares(ctx context.Context, poolID, provider string) (uint64, error)

	// GetProtocolFee returns the protocol fee configuration.
	GetProtocolFee(ctx context.Context) (*fee.ProtocolFee, error)
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other readers until the surrounding WithTx returns nil.
type Tx interface {
	Reader

	// UpdatePool overwrites the pool if its stored Version still equals
	// p.Version, then advances p.Version. Otherwise it returns ErrConflict.
	UpdatePool(ctx context.Context, p *model.Pool) error

	// CreateStakeRecord inserts a record; ErrRecordExists if one is present.
	CreateStakeRecord(ctx context.Context, r *model.StakeAccountRecord) error

	// DeleteStakeRecord removes a record; ErrNotFound if absent.
	DeleteStakeRecord(ctx context.Context, poolID, positionID string) error

	// SetProviderShares overwrites a provider's share balance.
	SetProviderShares(ctx context.Context, poolID, provider string, shares uint64) error

	// InsertLedgerEntry appends an immutable history row.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// SetProtocolFee replaces the protocol fee configuration.
	SetProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// --- Pools ---

	// CreatePool persists a new pool.
	CreatePool(ctx context.Context, p *model.Pool) error

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Positions and providers ---

	// ListStakeRecords returns the records a pool currently holds.
	ListStakeRecords(ctx context.Context, poolID string) ([]model.StakeAccountRecord, error)

	// ListProviders returns every non-zero provider balance in a pool.
	ListProviders(ctx context.Context, poolID string) ([]model.ProviderPosition, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByPool returns a pool's history in commit order.
	GetLedgerEntriesByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error)

	// --- Protocol ---

	// InitProtocolFee stores the first protocol fee; ErrAlreadyExists after that.
	InitProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error

	// WithTx runs fn as one atomic unit. If fn returns an error every write
	// made through tx is discarded and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
