package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/rational"
)

// newTestCache connects to the Redis named by UNSTAKE_TEST_REDIS_ADDR and
// skips otherwise.
func newTestCache(t *testing.T) (*CachedStore, *MemoryStore) {
	t.Helper()
	addr := os.Getenv("UNSTAKE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("UNSTAKE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)
	t.Cleanup(func() { rdb.Del(context.Background(), poolKey("pool-1")) })
	return s, primary
}

func TestCachedStore_StaleFillLosesToCommit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestCache(t)
	require.NoError(t, s.CreatePool(ctx, &model.Pool{ID: "pool-1", Fee: fee.NewFlat(rational.Zero), Reserves: 1_000}))

	// A reader that loaded the pool before the commit below.
	stale, err := s.GetPool(ctx, "pool-1")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPool(ctx, "pool-1")
		if err != nil {
			return err
		}
		p.Reserves = 2_000
		return tx.UpdatePool(ctx, p)
	})
	require.NoError(t, err)

	// Its fill lands after the commit's write-back.
	s.cachePool(ctx, stale)

	got, err := s.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000), got.Reserves)
	assert.Equal(t, uint64(1), got.Version)
}

func TestCachedStore_RolledBackTxLeavesCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestCache(t)
	require.NoError(t, s.CreatePool(ctx, &model.Pool{ID: "pool-1", Fee: fee.NewFlat(rational.Zero), Reserves: 1_000}))

	err := s.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPool(ctx, "pool-1")
		if err != nil {
			return err
		}
		p.Reserves = 0
		if err := tx.UpdatePool(ctx, p); err != nil {
			return err
		}
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), got.Reserves)
}
