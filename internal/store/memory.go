package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
)

type recordKey struct{ pool, position string }

type shareKey struct{ pool, provider string }

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	pools       map[string]*model.Pool
	records     map[recordKey]*model.StakeAccountRecord
	shares      map[shareKey]uint64
	ledger      []model.LedgerEntry
	protocolFee *fee.ProtocolFee
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:   make(map[string]*model.Pool),
		records: make(map[recordKey]*model.StakeAccountRecord),
		shares:  make(map[shareKey]uint64),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("%w: pool %s", ErrAlreadyExists, p.ID)
	}
	// Store a copy to avoid external mutation.
	cp := p.Clone()
	s.pools[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPool(id)
}

func (s *MemoryStore) getPool(id string) (*model.Pool, error) {
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	cp := p.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p.Clone())
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.Before(pools[j].CreatedAt) })
	return pools, nil
}

func (s *MemoryStore) GetStakeRecord(_ context.Context, poolID, positionID string) (*model.StakeAccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStakeRecord(poolID, positionID)
}

func (s *MemoryStore) getStakeRecord(poolID, positionID string) (*model.StakeAccountRecord, error) {
	r, ok := s.records[recordKey{poolID, positionID}]
	if !ok {
		return nil, fmt.Errorf("%w: record %s/%s", ErrNotFound, poolID, positionID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListStakeRecords(_ context.Context, poolID string) ([]model.StakeAccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StakeAccountRecord
	for k, r := range s.records {
		if k.pool == poolID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) GetProviderShares(_ context.Context, poolID, provider string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares[shareKey{poolID, provider}], nil
}

func (s *MemoryStore) ListProviders(_ context.Context, poolID string) ([]model.ProviderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProviderPosition
	for k, shares := range s.shares {
		if k.pool == poolID && shares > 0 {
			result = append(result, model.ProviderPosition{PoolID: poolID, Provider: k.provider, Shares: shares})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByPool(_ context.Context, poolID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.PoolID == poolID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetProtocolFee(_ context.Context) (*fee.ProtocolFee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProtocolFee()
}

func (s *MemoryStore) getProtocolFee() (*fee.ProtocolFee, error) {
	if s.protocolFee == nil {
		return nil, fmt.Errorf("%w: protocol fee", ErrNotFound)
	}
	cp := *s.protocolFee
	return &cp, nil
}

func (s *MemoryStore) InitProtocolFee(_ context.Context, pf *fee.ProtocolFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocolFee != nil {
		return fmt.Errorf("%w: protocol fee", ErrAlreadyExists)
	}
	cp := *pf
	s.protocolFee = &cp
	return nil
}

// WithTx holds the write lock for the duration of fn and applies writes
// directly, keeping an undo log that is replayed backwards on failure.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetPool(_ context.Context, id string) (*model.Pool, error) {
	return tx.s.getPool(id)
}

func (tx *memoryTx) GetStakeRecord(_ context.Context, poolID, positionID string) (*model.StakeAccountRecord, error) {
	return tx.s.getStakeRecord(poolID, positionID)
}

func (tx *memoryTx) GetProviderShares(_ context.Context, poolID, provider string) (uint64, error) {
	return tx.s.shares[shareKey{poolID, provider}], nil
}

func (tx *memoryTx) GetProtocolFee(_ context.Context) (*fee.ProtocolFee, error) {
	return tx.s.getProtocolFee()
}

func (tx *memoryTx) UpdatePool(_ context.Context, p *model.Pool) error {
	stored, ok := tx.s.pools[p.ID]
	if !ok {
		return fmt.Errorf("%w: pool %s", ErrNotFound, p.ID)
	}
	if stored.Version != p.Version {
		return fmt.Errorf("%w: pool %s at version %d, update based on %d", ErrConflict, p.ID, stored.Version, p.Version)
	}
	prev := stored
	next := p.Clone()
	next.Version++
	tx.s.pools[p.ID] = &next
	p.Version = next.Version
	tx.undo = append(tx.undo, func() {
		tx.s.pools[prev.ID] = prev
		p.Version = prev.Version
	})
	return nil
}

func (tx *memoryTx) CreateStakeRecord(_ context.Context, r *model.StakeAccountRecord) error {
	k := recordKey{r.PoolID, r.PositionID}
	if _, ok := tx.s.records[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrRecordExists, r.PoolID, r.PositionID)
	}
	cp := *r
	tx.s.records[k] = &cp
	tx.undo = append(tx.undo, func() { delete(tx.s.records, k) })
	return nil
}

func (tx *memoryTx) DeleteStakeRecord(_ context.Context, poolID, positionID string) error {
	k := recordKey{poolID, positionID}
	prev, ok := tx.s.records[k]
	if !ok {
		return fmt.Errorf("%w: record %s/%s", ErrNotFound, poolID, positionID)
	}
	delete(tx.s.records, k)
	tx.undo = append(tx.undo, func() { tx.s.records[k] = prev })
	return nil
}

func (tx *memoryTx) SetProviderShares(_ context.Context, poolID, provider string, shares uint64) error {
	k := shareKey{poolID, provider}
	prev, existed := tx.s.shares[k]
	tx.s.shares[k] = shares
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.shares[k] = prev
		} else {
			delete(tx.s.shares, k)
		}
	})
	return nil
}

func (tx *memoryTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	n := len(tx.s.ledger)
	tx.s.ledger = append(tx.s.ledger, *entry)
	tx.undo = append(tx.undo, func() { tx.s.ledger = tx.s.ledger[:n] })
	return nil
}

func (tx *memoryTx) SetProtocolFee(_ context.Context, pf *fee.ProtocolFee) error {
	prev := tx.s.protocolFee
	if prev == nil {
		return fmt.Errorf("%w: protocol fee", ErrNotFound)
	}
	cp := *pf
	tx.s.protocolFee = &cp
	tx.undo = append(tx.undo, func() { tx.s.protocolFee = prev })
	return nil
}
