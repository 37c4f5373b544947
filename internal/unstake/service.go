// Package unstake orchestrates the pool operations: accepting a staked
// position in exchange for an immediate payout, provider deposits and
// withdrawals, and the deactivate/reclaim tail of a position's lifecycle.
//
// Every mutation runs under the pool's lock and commits as one store
// transaction. The ledger batch that moves authority and funds executes
// inside that transaction, so a ledger failure leaves no store change
// behind and a store failure never reaches the ledger.
package unstake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/unstake-engine/internal/events"
	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/ledger"
	"github.com/atmx/unstake-engine/internal/lifecycle"
	"github.com/atmx/unstake-engine/internal/metrics"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/pool"
	"github.com/atmx/unstake-engine/internal/store"
)

var (
	// ErrUnauthorized is returned when the caller is not the authority an
	// operation requires.
	ErrUnauthorized = errors.New("unstake: unauthorized")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("unstake: invalid request")
)

// Service executes pool operations.
type Service struct {
	store     store.Store
	ledger    ledger.PositionLedger
	machine   *lifecycle.Machine
	publisher events.Publisher
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
	log       *zap.Logger
	locks     *poolLocks
	rent      uint64
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRecordRent sets the deposit charged to the payer for each stake
// account record and refunded when the record is destroyed.
func WithRecordRent(lamports uint64) Option {
	return func(s *Service) { s.rent = lamports }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new unstake service. Pass nil for pub, hub or
// logger to disable event publishing, WebSocket broadcasting or logging.
func NewService(st store.Store, l ledger.PositionLedger, pub events.Publisher, hub *WSHub, logger *zap.Logger, opts ...Option) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     st,
		ledger:    l,
		machine:   lifecycle.NewMachine(l),
		publisher: pub,
		wsHub:     hub,
		log:       logger,
		locks:     newPoolLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Machine exposes the lifecycle machine the service evaluates positions with.
func (s *Service) Machine() *lifecycle.Machine { return s.machine }

// --- Requests and results ---

// UnstakeRequest hands a position to a pool.
type UnstakeRequest struct {
	PoolID      string `json:"pool_id"`
	PositionID  string `json:"position_id"`
	Requester   string `json:"requester"`          // must own the position
	Destination string `json:"destination"`        // receives the payout
	Referrer    string `json:"referrer,omitempty"` // receives part of the protocol fee
	Payer       string `json:"payer,omitempty"`    // pays record rent; defaults to Requester
}

func (r UnstakeRequest) validate() error {
	if r.PoolID == "" || r.PositionID == "" || r.Requester == "" {
		return fmt.Errorf("%w: pool_id, position_id and requester are required", ErrInvalidRequest)
	}
	if err := model.ValidateAddress(r.Destination); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if r.Referrer != "" {
		if err := model.ValidateAddress(r.Referrer); err != nil {
			return fmt.Errorf("referrer: %w", err)
		}
	}
	return nil
}

// UnstakeResult reports a committed unstake.
type UnstakeResult struct {
	EntryID string                   `json:"entry_id"`
	Quote   pool.Quote               `json:"quote"`
	Split   fee.Split                `json:"split"`
	Record  model.StakeAccountRecord `json:"record"`
	Pool    model.Pool               `json:"pool"`
}

// LiquidityRequest deposits or withdraws liquidity.
type LiquidityRequest struct {
	PoolID      string `json:"pool_id"`
	Provider    string `json:"provider"`
	Amount      uint64 `json:"amount,omitempty"`      // lamports to deposit
	Shares      uint64 `json:"shares,omitempty"`      // shares to burn
	Destination string `json:"destination,omitempty"` // withdrawal target; defaults to Provider
}

// LiquidityResult reports a committed liquidity operation.
type LiquidityResult struct {
	EntryID string     `json:"entry_id"`
	Amount  uint64     `json:"amount"`
	Shares  uint64     `json:"shares"`
	Balance uint64     `json:"balance"` // provider's shares afterwards
	Pool    model.Pool `json:"pool"`
}

// ReclaimResult reports a committed reclaim.
type ReclaimResult struct {
	EntryID      string     `json:"entry_id"`
	PositionID   string     `json:"position_id"`
	MaturedValue uint64     `json:"matured_value"`
	Pool         model.Pool `json:"pool"`
}

// --- Operations ---

// Quote prices a position worth value lamports against the pool as it stands.
func (s *Service) Quote(ctx context.Context, poolID string, value uint64) (pool.Quote, error) {
	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return pool.Quote{}, err
	}
	return pool.QuoteUnstake(*p, value)
}

// QuotePosition prices a position at its current ledger value.
func (s *Service) QuotePosition(ctx context.Context, poolID, positionID string) (pool.Quote, error) {
	value, err := s.ledger.CurrentValue(ctx, positionID)
	if err != nil {
		return pool.Quote{}, err
	}
	return s.Quote(ctx, poolID, value)
}

// Unstake accepts a position into the pool and pays the requester its
// value less the fee. Authority transfer, payout, fee split, record and
// reserve update commit together or not at all.
func (s *Service) Unstake(ctx context.Context, req UnstakeRequest) (*UnstakeResult, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return nil, s.reject("unstake", err)
	}
	payer := req.Payer
	if payer == "" {
		payer = req.Requester
	}

	unlock := s.locks.lock(req.PoolID)
	defer unlock()

	// An existing record means the position was already accepted; report
	// that before the ownership check, which would fail on the new owner.
	if _, err := s.store.GetStakeRecord(ctx, req.PoolID, req.PositionID); err == nil {
		return nil, s.reject("unstake", fmt.Errorf("%w: %s/%s", store.ErrRecordExists, req.PoolID, req.PositionID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, s.reject("unstake", err)
	}

	acc, err := s.machine.PrepareAccept(ctx, req.PositionID, req.Requester)
	if err != nil {
		return nil, s.reject("unstake", err)
	}

	var res UnstakeResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		pf, err := tx.GetProtocolFee(ctx)
		if err != nil {
			return fmt.Errorf("protocol fee: %w", err)
		}

		q, err := pool.QuoteUnstake(*p, acc.Value)
		if err != nil {
			return err
		}
		next, split, err := pool.ApplyUnstake(*p, q, *pf, req.Referrer != "")
		if err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, &next); err != nil {
			return err
		}

		now := s.now()
		record := model.StakeAccountRecord{
			PoolID:             p.ID,
			PositionID:         req.PositionID,
			LamportsAtCreation: acc.Value,
			Payer:              payer,
			Rent:               s.rent,
			CreatedAt:          now,
		}
		if err := tx.CreateStakeRecord(ctx, &record); err != nil {
			return err
		}

		entry := model.LedgerEntry{
			ID:            uuid.New().String(),
			PoolID:        p.ID,
			Kind:          model.EntryUnstake,
			Account:       req.Requester,
			PositionID:    req.PositionID,
			Amount:        q.Payout,
			Fee:           q.Fee,
			ReservesAfter: next.Reserves,
			Timestamp:     now,
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return err
		}

		var b ledger.Batch
		lifecycle.AcceptInstructions(&b, acc, p.ReserveAccount)
		b.TransferFunds(p.ReserveAccount, req.Destination, q.Payout).
			TransferFunds(p.ReserveAccount, pf.Destination, split.Protocol).
			TransferFunds(p.ReserveAccount, req.Referrer, split.Referrer).
			TransferFunds(payer, model.RentEscrowAccount(p.ID), record.Rent)
		if err := s.ledger.Execute(ctx, b); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}

		res = UnstakeResult{EntryID: entry.ID, Quote: q, Split: split, Record: record, Pool: next}
		return nil
	})
	if err != nil {
		return nil, s.reject("unstake", err)
	}
	// Committed; logging, publishing and broadcasts run outside the pool lock.
	unlock()

	ev := model.UnstakeEvent{
		PoolID:             res.Pool.ID,
		PositionID:         req.PositionID,
		Controller:         acc.Previous.Controller,
		Requester:          req.Requester,
		Fee:                res.Pool.Fee.String(),
		FeeRatio:           res.Quote.FeeRatio.String(),
		LamportsAtCreation: res.Record.LamportsAtCreation,
		Paid:               res.Quote.Payout,
		FeeAmount:          res.Quote.Fee,
		ProtocolAmount:     res.Split.Protocol,
		ReferrerAmount:     res.Split.Referrer,
		Timestamp:          res.Record.CreatedAt,
	}
	s.log.Info("unstake-log",
		zap.String("pool", ev.PoolID),
		zap.String("position", ev.PositionID),
		zap.String("controller", ev.Controller),
		zap.String("requester", ev.Requester),
		zap.String("fee", ev.Fee),
		zap.String("fee_ratio", ev.FeeRatio),
		zap.Uint64("lamports_at_creation", ev.LamportsAtCreation),
		zap.Uint64("paid", ev.Paid),
		zap.Uint64("fee_lamports", ev.FeeAmount),
	)
	s.publish("unstake", func(ctx context.Context) error { return s.publisher.PublishUnstake(ctx, ev) })

	metrics.UnstakesTotal.WithLabelValues(res.Pool.ID).Inc()
	metrics.LamportsUnstaked.WithLabelValues(res.Pool.ID).Add(float64(res.Quote.PositionValue))
	metrics.FeesCollected.WithLabelValues(res.Pool.ID, "provider").Add(float64(res.Split.Provider))
	metrics.FeesCollected.WithLabelValues(res.Pool.ID, "protocol").Add(float64(res.Split.Protocol))
	metrics.FeesCollected.WithLabelValues(res.Pool.ID, "referrer").Add(float64(res.Split.Referrer))
	metrics.UnstakeLatency.WithLabelValues(res.Pool.ID).Observe(time.Since(start).Seconds())

	s.committed(res.Pool, WSMessage{
		Type:       model.EntryUnstake,
		PositionID: req.PositionID,
		Amount:     res.Quote.Payout,
		Fee:        res.Quote.Fee,
	})
	return &res, nil
}

// AddLiquidity deposits lamports from the provider and mints shares.
func (s *Service) AddLiquidity(ctx context.Context, req LiquidityRequest) (*LiquidityResult, error) {
	if req.PoolID == "" || req.Provider == "" {
		return nil, s.reject("add_liquidity", fmt.Errorf("%w: pool_id and provider are required", ErrInvalidRequest))
	}

	unlock := s.locks.lock(req.PoolID)
	defer unlock()

	var res LiquidityResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		next, shares, err := pool.AddLiquidity(*p, req.Amount)
		if err != nil {
			return err
		}
		balance, err := tx.GetProviderShares(ctx, p.ID, req.Provider)
		if err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, &next); err != nil {
			return err
		}
		if err := tx.SetProviderShares(ctx, p.ID, req.Provider, balance+shares); err != nil {
			return err
		}
		entry := model.LedgerEntry{
			ID:            uuid.New().String(),
			PoolID:        p.ID,
			Kind:          model.EntryAddLiquidity,
			Account:       req.Provider,
			Amount:        req.Amount,
			Shares:        shares,
			ReservesAfter: next.Reserves,
			Timestamp:     s.now(),
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return err
		}

		var b ledger.Batch
		b.TransferFunds(req.Provider, p.ReserveAccount, req.Amount)
		if err := s.ledger.Execute(ctx, b); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}

		res = LiquidityResult{EntryID: entry.ID, Amount: req.Amount, Shares: shares, Balance: balance + shares, Pool: next}
		return nil
	})
	if err != nil {
		return nil, s.reject("add_liquidity", err)
	}
	unlock()

	s.log.Info("liquidity added",
		zap.String("pool", res.Pool.ID),
		zap.String("provider", req.Provider),
		zap.Uint64("amount", res.Amount),
		zap.Uint64("shares", res.Shares),
	)
	metrics.LiquidityOps.WithLabelValues(res.Pool.ID, "add").Inc()
	s.committed(res.Pool, WSMessage{Type: model.EntryAddLiquidity, Amount: res.Amount})
	return &res, nil
}

// RemoveLiquidity burns the provider's shares and pays out their value.
func (s *Service) RemoveLiquidity(ctx context.Context, req LiquidityRequest) (*LiquidityResult, error) {
	if req.PoolID == "" || req.Provider == "" {
		return nil, s.reject("remove_liquidity", fmt.Errorf("%w: pool_id and provider are required", ErrInvalidRequest))
	}
	dest := req.Destination
	if dest == "" {
		dest = req.Provider
	}

	unlock := s.locks.lock(req.PoolID)
	defer unlock()

	var res LiquidityResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		balance, err := tx.GetProviderShares(ctx, p.ID, req.Provider)
		if err != nil {
			return err
		}
		next, amount, err := pool.RemoveLiquidity(*p, req.Shares, balance)
		if err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, &next); err != nil {
			return err
		}
		if err := tx.SetProviderShares(ctx, p.ID, req.Provider, balance-req.Shares); err != nil {
			return err
		}
		entry := model.LedgerEntry{
			ID:            uuid.New().String(),
			PoolID:        p.ID,
			Kind:          model.EntryRemoveLiquidity,
			Account:       req.Provider,
			Amount:        amount,
			Shares:        req.Shares,
			ReservesAfter: next.Reserves,
			Timestamp:     s.now(),
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return err
		}

		var b ledger.Batch
		b.TransferFunds(p.ReserveAccount, dest, amount)
		if err := s.ledger.Execute(ctx, b); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}

		res = LiquidityResult{EntryID: entry.ID, Amount: amount, Shares: req.Shares, Balance: balance - req.Shares, Pool: next}
		return nil
	})
	if err != nil {
		return nil, s.reject("remove_liquidity", err)
	}
	unlock()

	s.log.Info("liquidity removed",
		zap.String("pool", res.Pool.ID),
		zap.String("provider", req.Provider),
		zap.Uint64("amount", res.Amount),
		zap.Uint64("shares", res.Shares),
	)
	metrics.LiquidityOps.WithLabelValues(res.Pool.ID, "remove").Inc()
	s.committed(res.Pool, WSMessage{Type: model.EntryRemoveLiquidity, Amount: res.Amount})
	return &res, nil
}

// Deactivate asks the ledger to begin unlocking a position the pool holds.
// Only the pool authority may call it.
func (s *Service) Deactivate(ctx context.Context, poolID, positionID, caller string) error {
	unlock := s.locks.lock(poolID)
	defer unlock()

	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return s.reject("deactivate", err)
	}
	if caller != p.Authority {
		return s.reject("deactivate", fmt.Errorf("%w: %s is not the pool authority", ErrUnauthorized, caller))
	}
	record, err := s.store.GetStakeRecord(ctx, poolID, positionID)
	if err != nil {
		return s.reject("deactivate", err)
	}
	if err := s.machine.Deactivate(ctx, record, p.ReserveAccount); err != nil {
		return s.reject("deactivate", err)
	}

	s.log.Info("deactivation requested", zap.String("pool", poolID), zap.String("position", positionID))
	metrics.DeactivationsTotal.WithLabelValues(poolID).Inc()
	return nil
}

// Reclaim withdraws a matured position into the pool's reserves, destroys
// its record and refunds the record rent to whoever paid it.
func (s *Service) Reclaim(ctx context.Context, poolID, positionID string) (*ReclaimResult, error) {
	unlock := s.locks.lock(poolID)
	defer unlock()

	var res ReclaimResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		record, err := tx.GetStakeRecord(ctx, poolID, positionID)
		if err != nil {
			return err
		}
		value, err := s.machine.PrepareReclaim(ctx, record)
		if err != nil {
			return err
		}
		next, err := pool.ApplyReclaim(*p, record.LamportsAtCreation, value)
		if err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, &next); err != nil {
			return err
		}
		if err := tx.DeleteStakeRecord(ctx, poolID, positionID); err != nil {
			return err
		}
		entry := model.LedgerEntry{
			ID:            uuid.New().String(),
			PoolID:        p.ID,
			Kind:          model.EntryReclaim,
			Account:       record.Payer,
			PositionID:    positionID,
			Amount:        value,
			ReservesAfter: next.Reserves,
			Timestamp:     s.now(),
		}
		if err := tx.InsertLedgerEntry(ctx, &entry); err != nil {
			return err
		}

		var b ledger.Batch
		lifecycle.ReclaimInstructions(&b, record, p.ReserveAccount, value)
		b.TransferFunds(model.RentEscrowAccount(p.ID), record.Payer, record.Rent)
		if err := s.ledger.Execute(ctx, b); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}

		res = ReclaimResult{EntryID: entry.ID, PositionID: positionID, MaturedValue: value, Pool: next}
		return nil
	})
	if err != nil {
		return nil, s.reject("reclaim", err)
	}
	unlock()

	s.log.Info("position reclaimed",
		zap.String("pool", poolID),
		zap.String("position", positionID),
		zap.Uint64("matured_value", res.MaturedValue),
		zap.Uint64("reserves", res.Pool.Reserves),
	)
	metrics.ReclaimsTotal.WithLabelValues(poolID).Inc()
	s.committed(res.Pool, WSMessage{Type: model.EntryReclaim, PositionID: positionID, Amount: res.MaturedValue})
	return &res, nil
}

// PositionState reports where a position stands relative to a pool.
func (s *Service) PositionState(ctx context.Context, poolID, positionID string) (lifecycle.State, *model.StakeAccountRecord, error) {
	p, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return "", nil, err
	}
	record, err := s.store.GetStakeRecord(ctx, poolID, positionID)
	if errors.Is(err, store.ErrNotFound) {
		record = nil
	} else if err != nil {
		return "", nil, err
	}
	state, err := s.machine.State(ctx, positionID, p.ReserveAccount, record)
	return state, record, err
}

// --- Helpers ---

// committed fans a pool's new state out to metrics, subscribers and the
// event stream.
func (s *Service) committed(p model.Pool, msg WSMessage) {
	metrics.ObservePool(p.ID, p.Reserves, p.IncomingStake)
	s.publish("pool", func(ctx context.Context) error { return s.publisher.PublishPool(ctx, p) })
	if s.wsHub != nil {
		msg.PoolID = p.ID
		msg.Reserves = p.Reserves
		msg.IncomingStake = p.IncomingStake
		msg.LPSupply = p.LPSupply
		s.wsHub.Broadcast(msg)
	}
}

// publish runs after commit with a fresh context: the caller's request
// may already be cancelled and the mutation cannot be undone anyway.
func (s *Service) publish(kind string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		s.log.Warn("event publish failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

func (s *Service) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, reason(err)).Inc()
	s.log.Debug("operation rejected", zap.String("op", op), zap.Error(err))
	return err
}

// poolLocks hands out one mutex per pool so mutations on a pool are
// serialized while different pools proceed in parallel.
type poolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPoolLocks() *poolLocks {
	return &poolLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until poolID is free. The returned unlock is idempotent, so
// callers can defer it and still release early once their commit is done.
func (l *poolLocks) lock(poolID string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[poolID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[poolID] = m
	}
	l.mu.Unlock()
	m.Lock()
	var once sync.Once
	return func() { once.Do(m.Unlock) }
}
