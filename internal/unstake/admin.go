package unstake

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/store"
)

// CreatePoolRequest is the JSON body for pool creation.
type CreatePoolRequest struct {
	Authority    string  `json:"authority"`
	FeeAuthority string  `json:"fee_authority"` // defaults to Authority
	Fee          fee.Fee `json:"fee"`
}

// InitProtocolFee stores the protocol fee configuration. It can only be
// called once; later changes go through SetProtocolFee.
func (s *Service) InitProtocolFee(ctx context.Context, pf fee.ProtocolFee) (*fee.ProtocolFee, error) {
	if err := validateProtocolFee(pf); err != nil {
		return nil, s.reject("init_protocol_fee", err)
	}
	if err := s.store.InitProtocolFee(ctx, &pf); err != nil {
		return nil, s.reject("init_protocol_fee", err)
	}
	s.log.Info("protocol fee initialized",
		zap.String("fee_ratio", pf.FeeRatio.String()),
		zap.String("referrer_fee_ratio", pf.ReferrerFeeRatio.String()),
		zap.String("destination", pf.Destination),
	)
	return &pf, nil
}

// SetProtocolFee replaces the protocol fee. caller must be the current
// protocol fee authority.
func (s *Service) SetProtocolFee(ctx context.Context, caller string, pf fee.ProtocolFee) (*fee.ProtocolFee, error) {
	if err := validateProtocolFee(pf); err != nil {
		return nil, s.reject("set_protocol_fee", err)
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetProtocolFee(ctx)
		if err != nil {
			return err
		}
		if caller != current.Authority {
			return fmt.Errorf("%w: %s is not the protocol fee authority", ErrUnauthorized, caller)
		}
		return tx.SetProtocolFee(ctx, &pf)
	})
	if err != nil {
		return nil, s.reject("set_protocol_fee", err)
	}
	s.log.Info("protocol fee updated",
		zap.String("fee_ratio", pf.FeeRatio.String()),
		zap.String("referrer_fee_ratio", pf.ReferrerFeeRatio.String()),
		zap.String("destination", pf.Destination),
		zap.String("authority", pf.Authority),
	)
	return &pf, nil
}

func validateProtocolFee(pf fee.ProtocolFee) error {
	if err := pf.Validate(); err != nil {
		return err
	}
	if err := model.ValidateAddress(pf.Destination); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if pf.Authority == "" {
		return fmt.Errorf("%w: protocol fee authority is required", ErrInvalidRequest)
	}
	return nil
}

// CreatePool creates an empty pool with a fresh ID and derived reserve account.
func (s *Service) CreatePool(ctx context.Context, req CreatePoolRequest) (*model.Pool, error) {
	if req.Authority == "" {
		return nil, s.reject("create_pool", fmt.Errorf("%w: authority is required", ErrInvalidRequest))
	}
	if err := req.Fee.Validate(); err != nil {
		return nil, s.reject("create_pool", err)
	}
	feeAuthority := req.FeeAuthority
	if feeAuthority == "" {
		feeAuthority = req.Authority
	}

	id := uuid.New().String()
	p := &model.Pool{
		ID:             id,
		Authority:      req.Authority,
		FeeAuthority:   feeAuthority,
		ReserveAccount: model.ReserveAccount(id),
		Fee:            req.Fee.Clone(),
		CreatedAt:      s.now(),
	}
	if err := s.store.CreatePool(ctx, p); err != nil {
		return nil, s.reject("create_pool", err)
	}

	s.log.Info("pool created",
		zap.String("id", p.ID),
		zap.String("authority", p.Authority),
		zap.String("fee", p.Fee.String()),
		zap.String("reserve_account", p.ReserveAccount),
	)
	s.committed(*p, WSMessage{Type: "pool_created"})
	return p, nil
}

// SetFee replaces a pool's fee curve. caller must be the pool's fee authority.
func (s *Service) SetFee(ctx context.Context, poolID, caller string, f fee.Fee) (*model.Pool, error) {
	if err := f.Validate(); err != nil {
		return nil, s.reject("set_fee", err)
	}
	p, err := s.updatePool(ctx, poolID, func(p *model.Pool) error {
		if caller != p.FeeAuthority {
			return fmt.Errorf("%w: %s is not the fee authority", ErrUnauthorized, caller)
		}
		p.Fee = f.Clone()
		return nil
	})
	if err != nil {
		return nil, s.reject("set_fee", err)
	}
	s.log.Info("pool fee updated", zap.String("pool", poolID), zap.String("fee", p.Fee.String()))
	return p, nil
}

// SetFeeAuthority hands the fee authority to another identity. caller must
// be the current fee authority.
func (s *Service) SetFeeAuthority(ctx context.Context, poolID, caller, newAuthority string) (*model.Pool, error) {
	if newAuthority == "" {
		return nil, s.reject("set_fee_authority", fmt.Errorf("%w: new fee authority is required", ErrInvalidRequest))
	}
	p, err := s.updatePool(ctx, poolID, func(p *model.Pool) error {
		if caller != p.FeeAuthority {
			return fmt.Errorf("%w: %s is not the fee authority", ErrUnauthorized, caller)
		}
		p.FeeAuthority = newAuthority
		return nil
	})
	if err != nil {
		return nil, s.reject("set_fee_authority", err)
	}
	s.log.Info("fee authority rotated", zap.String("pool", poolID), zap.String("fee_authority", newAuthority))
	return p, nil
}

// updatePool applies fn to the pool under its lock and commits the result.
func (s *Service) updatePool(ctx context.Context, poolID string, fn func(p *model.Pool) error) (*model.Pool, error) {
	unlock := s.locks.lock(poolID)
	defer unlock()

	var out model.Pool
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := tx.UpdatePool(ctx, p); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.committed(out, WSMessage{Type: "pool_updated"})
	return &out, nil
}
