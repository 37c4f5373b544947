// Package crank drives accepted positions through the tail of their
// lifecycle: it requests deactivation for positions a pool holds and
// reclaims them into reserves once they mature.
package crank

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/unstake-engine/internal/lifecycle"
	"github.com/atmx/unstake-engine/internal/metrics"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/store"
	"github.com/atmx/unstake-engine/internal/unstake"
)

// Keeper sweeps every pool's records on each pass.
type Keeper struct {
	svc         *unstake.Service
	store       store.Store
	log         *zap.Logger
	concurrency int
}

// Report summarizes one pass.
type Report struct {
	Pools       int `json:"pools"`
	Deactivated int `json:"deactivated"`
	Reclaimed   int `json:"reclaimed"`
	Failed      int `json:"failed"`
}

// New creates a keeper that sweeps up to concurrency pools at a time.
func New(svc *unstake.Service, st store.Store, logger *zap.Logger, concurrency int) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Keeper{svc: svc, store: st, log: logger, concurrency: concurrency}
}

type counters struct {
	deactivated, reclaimed, failed atomic.Int64
}

// Pass sweeps all pools once. A failing position is logged and counted;
// it never stops the rest of the pass. The returned error is non-nil only
// when the pools cannot be listed or ctx ends.
func (k *Keeper) Pass(ctx context.Context) (Report, error) {
	pools, err := k.store.ListPools(ctx)
	if err != nil {
		metrics.CrankPasses.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("list pools: %w", err)
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.concurrency)
	for _, p := range pools {
		g.Go(func() error {
			k.sweepPool(gctx, p, &c)
			return gctx.Err()
		})
	}
	err = g.Wait()

	report := Report{
		Pools:       len(pools),
		Deactivated: int(c.deactivated.Load()),
		Reclaimed:   int(c.reclaimed.Load()),
		Failed:      int(c.failed.Load()),
	}
	switch {
	case err != nil:
		metrics.CrankPasses.WithLabelValues("error").Inc()
	case report.Failed > 0:
		metrics.CrankPasses.WithLabelValues("partial").Inc()
	default:
		metrics.CrankPasses.WithLabelValues("ok").Inc()
	}
	return report, err
}

func (k *Keeper) sweepPool(ctx context.Context, p model.Pool, c *counters) {
	records, err := k.store.ListStakeRecords(ctx, p.ID)
	if err != nil {
		c.failed.Add(1)
		k.log.Error("list records failed", zap.String("pool", p.ID), zap.Error(err))
		return
	}

	for i := range records {
		if ctx.Err() != nil {
			return
		}
		record := &records[i]
		log := k.log.With(zap.String("pool", p.ID), zap.String("position", record.PositionID))

		state, err := k.svc.Machine().State(ctx, record.PositionID, p.ReserveAccount, record)
		if err != nil {
			c.failed.Add(1)
			log.Warn("state lookup failed", zap.Error(err))
			continue
		}

		switch state {
		case lifecycle.AcceptedByPool:
			if err := k.svc.Deactivate(ctx, p.ID, record.PositionID, p.Authority); err != nil {
				c.failed.Add(1)
				log.Warn("deactivate failed", zap.Error(err))
				continue
			}
			c.deactivated.Add(1)

		case lifecycle.Matured:
			res, err := k.svc.Reclaim(ctx, p.ID, record.PositionID)
			if err != nil {
				c.failed.Add(1)
				log.Warn("reclaim failed", zap.Error(err))
				continue
			}
			c.reclaimed.Add(1)
			log.Debug("reclaimed", zap.Uint64("matured_value", res.MaturedValue))
		}
	}
}

// Run calls Pass immediately and then every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := k.Pass(ctx)
		if err != nil && ctx.Err() == nil {
			k.log.Error("crank pass failed", zap.Error(err))
		} else if report.Deactivated+report.Reclaimed+report.Failed > 0 {
			k.log.Info("crank pass",
				zap.Int("pools", report.Pools),
				zap.Int("deactivated", report.Deactivated),
				zap.Int("reclaimed", report.Reclaimed),
				zap.Int("failed", report.Failed),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
