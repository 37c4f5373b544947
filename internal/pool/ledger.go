// Package pool implements the pool's reserve accounting: pricing an unstake,
// applying its payout, crediting reclaimed positions, and minting or burning
// liquidity provider shares.
//
// Every function is pure. It takes the pool by value and returns the next
// state without touching the input, so a failure at any step leaves nothing
// half-applied. Callers commit the returned Pool atomically (see package store).
package pool

import (
	"errors"
	"fmt"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/rational"
)

var (
	// ErrInsufficientLiquidity is returned when reserves cannot cover a
	// payout or withdrawal. It is the same sentinel the fee curve returns.
	ErrInsufficientLiquidity = fee.ErrInsufficientLiquidity

	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// provider's balance or the pool's supply.
	ErrInsufficientShares = errors.New("pool: insufficient shares")

	// ErrZeroAmount is returned for liquidity operations of zero magnitude.
	ErrZeroAmount = errors.New("pool: zero amount")
)

// Quote prices one position against the pool as it stands.
type Quote struct {
	PositionValue uint64            `json:"position_value"`
	FeeRatio      rational.Rational `json:"fee_ratio"`
	Fee           uint64            `json:"fee"`
	Payout        uint64            `json:"payout"`
}

// QuoteUnstake prices a position worth positionValue. The curve sees the
// liquidity left after paying the full value, and the fee rounds up.
func QuoteUnstake(p model.Pool, positionValue uint64) (Quote, error) {
	if positionValue > p.Reserves {
		return Quote{}, ErrInsufficientLiquidity
	}
	ratio, err := p.Fee.Price(p.Reserves, positionValue)
	if err != nil {
		return Quote{}, err
	}
	feeAmount, err := ratio.CeilMul(positionValue)
	if err != nil {
		return Quote{}, err
	}
	if feeAmount > positionValue {
		return Quote{}, fmt.Errorf("%w: fee %d exceeds value %d", fee.ErrInvalidFeeConfiguration, feeAmount, positionValue)
	}
	return Quote{
		PositionValue: positionValue,
		FeeRatio:      ratio,
		Fee:           feeAmount,
		Payout:        positionValue - feeAmount,
	}, nil
}

// ApplyUnstake debits the payout and the protocol's cut of the fee from
// reserves. The providers' cut is never withdrawn, which is what raises the
// value of each outstanding share once the position is reclaimed.
//
//	reserves' = reserves - payout - protocol - referrer
//	incoming' = incoming + positionValue
func ApplyUnstake(p model.Pool, q Quote, pf fee.ProtocolFee, withReferrer bool) (model.Pool, fee.Split, error) {
	if q.Payout+q.Fee != q.PositionValue {
		return p, fee.Split{}, fmt.Errorf("pool: inconsistent quote: payout %d + fee %d != value %d", q.Payout, q.Fee, q.PositionValue)
	}
	split, err := pf.Split(q.Fee, withReferrer)
	if err != nil {
		return p, fee.Split{}, err
	}

	outflow, err := addChecked(q.Payout, split.Protocol, split.Referrer)
	if err != nil {
		return p, fee.Split{}, err
	}
	if outflow > p.Reserves {
		return p, fee.Split{}, ErrInsufficientLiquidity
	}
	incoming, err := addChecked(p.IncomingStake, q.PositionValue)
	if err != nil {
		return p, fee.Split{}, err
	}

	next := p.Clone()
	next.Reserves = p.Reserves - outflow
	next.IncomingStake = incoming
	return next, split, nil
}

// ApplyReclaim credits a matured position's final value to reserves and
// retires its recorded value from incoming stake. Anything above the
// recorded value (rewards, rent) is surplus for the providers.
func ApplyReclaim(p model.Pool, lamportsAtCreation, maturedValue uint64) (model.Pool, error) {
	reserves, err := addChecked(p.Reserves, maturedValue)
	if err != nil {
		return p, err
	}
	next := p.Clone()
	next.Reserves = reserves
	if lamportsAtCreation > next.IncomingStake {
		next.IncomingStake = 0
	} else {
		next.IncomingStake -= lamportsAtCreation
	}
	return next, nil
}

func addChecked(xs ...uint64) (uint64, error) {
	var sum uint64
	for _, x := range xs {
		if sum+x < sum {
			return 0, rational.ErrOverflow
		}
		sum += x
	}
	return sum, nil
}
