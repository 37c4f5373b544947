// Package fee prices an incoming staked position against a pool's liquidity
// and splits the collected fee between liquidity providers and the protocol.
//
// Like the rest of the engine it is stateless: pool figures are passed in,
// ratios come out. All arithmetic goes through package rational.
package fee

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/unstake-engine/internal/rational"
)

var (
	// ErrInvalidFeeConfiguration is returned when ratios are out of [0, 1]
	// or a curve's minimum exceeds its maximum.
	ErrInvalidFeeConfiguration = errors.New("fee: invalid fee configuration")

	// ErrInsufficientLiquidity is returned when a position is worth more than
	// the liquidity available to pay for it. Positions are never partially filled.
	ErrInsufficientLiquidity = errors.New("fee: insufficient liquidity")
)

// Kind tags the Fee variant.
type Kind string

const (
	KindFlat            Kind = "flat"
	KindLiquidityLinear Kind = "liquidity_linear"
)

// Flat charges the same ratio regardless of liquidity.
type Flat struct {
	Ratio rational.Rational `json:"ratio"`
}

// LiquidityLinear interpolates between MaxFeeRatio when the pool would be
// drained and MinFeeRatio when at least LiquidityThreshold lamports remain.
type LiquidityLinear struct {
	MaxFeeRatio        rational.Rational `json:"max_fee_ratio"`
	MinFeeRatio        rational.Rational `json:"min_fee_ratio"`
	LiquidityThreshold uint64            `json:"liquidity_threshold"`
}

// Fee is a pool's fee curve. Exactly one variant field is set, matching Kind.
type Fee struct {
	Kind            Kind             `json:"kind"`
	Flat            *Flat            `json:"flat,omitempty"`
	LiquidityLinear *LiquidityLinear `json:"liquidity_linear,omitempty"`
}

// NewFlat builds a flat fee.
func NewFlat(ratio rational.Rational) Fee {
	return Fee{Kind: KindFlat, Flat: &Flat{Ratio: ratio}}
}

// NewLiquidityLinear builds a liquidity-linear fee.
func NewLiquidityLinear(maxRatio, minRatio rational.Rational, threshold uint64) Fee {
	return Fee{
		Kind: KindLiquidityLinear,
		LiquidityLinear: &LiquidityLinear{
			MaxFeeRatio:        maxRatio,
			MinFeeRatio:        minRatio,
			LiquidityThreshold: threshold,
		},
	}
}

// Validate rejects configurations that could charge more than the position
// or invert the curve.
func (f Fee) Validate() error {
	switch f.Kind {
	case KindFlat:
		if f.Flat == nil {
			return fmt.Errorf("%w: missing flat parameters", ErrInvalidFeeConfiguration)
		}
		if !f.Flat.Ratio.InUnitInterval() {
			return fmt.Errorf("%w: ratio %s outside [0,1]", ErrInvalidFeeConfiguration, f.Flat.Ratio)
		}
	case KindLiquidityLinear:
		ll := f.LiquidityLinear
		if ll == nil {
			return fmt.Errorf("%w: missing liquidity_linear parameters", ErrInvalidFeeConfiguration)
		}
		if !ll.MaxFeeRatio.InUnitInterval() || !ll.MinFeeRatio.InUnitInterval() {
			return fmt.Errorf("%w: ratios must lie in [0,1]", ErrInvalidFeeConfiguration)
		}
		if ll.MinFeeRatio.GreaterThan(ll.MaxFeeRatio) {
			return fmt.Errorf("%w: min_fee_ratio %s exceeds max_fee_ratio %s",
				ErrInvalidFeeConfiguration, ll.MinFeeRatio, ll.MaxFeeRatio)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFeeConfiguration, f.Kind)
	}
	return nil
}

// Price returns the fee ratio for a position worth positionValue taken from
// a pool currently holding liquidity lamports. The curve is evaluated on the
// liquidity that would remain after paying the position out in full.
func (f Fee) Price(liquidity, positionValue uint64) (rational.Rational, error) {
	if positionValue > liquidity {
		return rational.Rational{}, ErrInsufficientLiquidity
	}
	remaining := liquidity - positionValue

	switch f.Kind {
	case KindFlat:
		if f.Flat == nil {
			return rational.Rational{}, ErrInvalidFeeConfiguration
		}
		return f.Flat.Ratio, nil
	case KindLiquidityLinear:
		if f.LiquidityLinear == nil {
			return rational.Rational{}, ErrInvalidFeeConfiguration
		}
		return f.LiquidityLinear.price(remaining)
	default:
		return rational.Rational{}, ErrInvalidFeeConfiguration
	}
}

// price evaluates max - (max - min) * remaining / threshold, clamped to the
// curve's ends.
func (ll LiquidityLinear) price(remaining uint64) (rational.Rational, error) {
	if remaining >= ll.LiquidityThreshold {
		return ll.MinFeeRatio, nil
	}
	if remaining == 0 {
		return ll.MaxFeeRatio, nil
	}
	span, err := ll.MaxFeeRatio.Sub(ll.MinFeeRatio)
	if err != nil {
		return rational.Rational{}, err
	}
	// remaining < threshold here, so threshold > 0.
	fraction, err := rational.New(remaining, ll.LiquidityThreshold)
	if err != nil {
		return rational.Rational{}, err
	}
	discount, err := span.Mul(fraction)
	if err != nil {
		return rational.Rational{}, err
	}
	return ll.MaxFeeRatio.Sub(discount)
}

// String renders the curve the way it appears in the analytics log line.
func (f Fee) String() string {
	switch f.Kind {
	case KindFlat:
		if f.Flat != nil {
			return fmt.Sprintf("[flat; %s]", f.Flat.Ratio)
		}
	case KindLiquidityLinear:
		if ll := f.LiquidityLinear; ll != nil {
			return fmt.Sprintf("[liquidity_linear; max=%s min=%s threshold=%d]",
				ll.MaxFeeRatio, ll.MinFeeRatio, ll.LiquidityThreshold)
		}
	}
	return "[unknown]"
}

// Clone returns a deep copy so callers can keep a pool's curve immutable.
func (f Fee) Clone() Fee {
	out := Fee{Kind: f.Kind}
	if f.Flat != nil {
		flat := *f.Flat
		out.Flat = &flat
	}
	if f.LiquidityLinear != nil {
		ll := *f.LiquidityLinear
		out.LiquidityLinear = &ll
	}
	return out
}

// Encode and Decode serialize a curve for storage.
func (f Fee) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Fee, error) {
	var f Fee
	if err := json.Unmarshal(data, &f); err != nil {
		return Fee{}, fmt.Errorf("decode fee: %w", err)
	}
	return f, nil
}
