package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store; committed pools are written back
// to the cache, keyed by version, and other changed keys are dropped. Reads
// check Redis first then fall back to the primary.
//
// Reads made inside WithTx always hit the primary, so cached values are
// never the basis of a pool update.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cachePool(ctx, p)
	return nil
}

func (s *CachedStore) InitProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error {
	if err := s.primary.InitProtocolFee(ctx, pf); err != nil {
		return err
	}
	s.rdb.Del(ctx, protocolFeeKey)
	return nil
}

// WithTx delegates to the primary and, once it commits, writes the pools it
// updated back to the cache and drops the protocol fee if it changed.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	ct := &cachedTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		ct.Tx = tx
		return fn(ct)
	})
	if err != nil {
		return err
	}
	for i := range ct.pools {
		s.cachePool(ctx, &ct.pools[i])
	}
	if ct.protocolFee {
		s.rdb.Del(ctx, protocolFeeKey)
	}
	return nil
}

// cachedTx records which cached values a transaction changed.
type cachedTx struct {
	Tx
	pools       []model.Pool
	protocolFee bool
}

func (t *cachedTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	if err := t.Tx.UpdatePool(ctx, p); err != nil {
		return err
	}
	t.pools = append(t.pools, *p)
	return nil
}

func (t *cachedTx) SetProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error {
	if err := t.Tx.SetProtocolFee(ctx, pf); err != nil {
		return err
	}
	t.protocolFee = true
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) GetProtocolFee(ctx context.Context) (*fee.ProtocolFee, error) {
	data, err := s.rdb.Get(ctx, protocolFeeKey).Bytes()
	if err == nil {
		var pf fee.ProtocolFee
		if json.Unmarshal(data, &pf) == nil {
			return &pf, nil
		}
	}

	pf, err := s.primary.GetProtocolFee(ctx)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, protocolFeeKey, pf)
	return pf, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetStakeRecord(ctx context.Context, poolID, positionID string) (*model.StakeAccountRecord, error) {
	return s.primary.GetStakeRecord(ctx, poolID, positionID)
}

func (s *CachedStore) ListStakeRecords(ctx context.Context, poolID string) ([]model.StakeAccountRecord, error) {
	return s.primary.ListStakeRecords(ctx, poolID)
}

func (s *CachedStore) GetProviderShares(ctx context.Context, poolID, provider string) (uint64, error) {
	return s.primary.GetProviderShares(ctx, poolID, provider)
}

func (s *CachedStore) ListProviders(ctx context.Context, poolID string) ([]model.ProviderPosition, error) {
	return s.primary.ListProviders(ctx, poolID)
}

func (s *CachedStore) GetLedgerEntriesByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByPool(ctx, poolID)
}

// --- Helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}

// setPoolIfNewer stores a pool snapshot unless the cache already holds the
// same or a later version. A read-through fill that raced a commit then
// loses to the committed write-back instead of overwriting it.
var setPoolIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, decoded = pcall(cjson.decode, cur)
	if ok and type(decoded) == 'table' and tonumber(decoded.version) and tonumber(decoded.version) >= tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func (s *CachedStore) cachePool(ctx context.Context, p *model.Pool) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	setPoolIfNewer.Run(ctx, s.rdb, []string{poolKey(p.ID)}, data, p.Version, s.ttl.Milliseconds())
}

const protocolFeeKey = "unstake:protocol_fee"

func poolKey(id string) string {
	return "unstake:pool:" + id
}
