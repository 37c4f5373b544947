package fee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/unstake-engine/internal/rational"
)

func r(num, denom uint64) rational.Rational {
	return rational.MustNew(num, denom)
}

func defaultCurve() Fee {
	// max 30%, min 0.3%, threshold 500_000 lamports.
	return NewLiquidityLinear(r(3, 10), r(3, 1000), 500_000)
}

// --- Validation ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		fee     Fee
		wantErr bool
	}{
		{"linear ok", defaultCurve(), false},
		{"flat ok", NewFlat(r(1, 100)), false},
		{"flat zero", NewFlat(rational.Zero), false},
		{"flat one", NewFlat(rational.One), false},
		{"flat above one", NewFlat(r(11, 10)), true},
		{"min above max", NewLiquidityLinear(r(1, 100), r(2, 100), 10), true},
		{"max above one", NewLiquidityLinear(r(3, 2), r(1, 100), 10), true},
		{"equal ends", NewLiquidityLinear(r(1, 100), r(1, 100), 10), false},
		{"missing variant", Fee{Kind: KindFlat}, true},
		{"unknown kind", Fee{Kind: "exponential"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fee.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFeeConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- Pricing ---

func TestPrice_AboveThresholdIsMin(t *testing.T) {
	ratio, err := defaultCurve().Price(1_000_000, 100_000)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(r(3, 1000)), "got %s", ratio)
}

func TestPrice_DrainingPoolIsMax(t *testing.T) {
	ratio, err := defaultCurve().Price(100_000, 100_000)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(r(3, 10)), "got %s", ratio)
}

func TestPrice_Interpolates(t *testing.T) {
	// remaining = 250_000 = half the threshold:
	// 0.3 - (0.3 - 0.003) * 0.5 = 0.1515
	ratio, err := defaultCurve().Price(350_000, 100_000)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(r(1515, 10000)), "got %s", ratio)
}

func TestPrice_InsufficientLiquidity(t *testing.T) {
	_, err := defaultCurve().Price(50_000, 100_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = NewFlat(r(1, 100)).Price(50_000, 100_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestPrice_ZeroThreshold(t *testing.T) {
	f := NewLiquidityLinear(r(3, 10), r(3, 1000), 0)
	ratio, err := f.Price(100, 100)
	require.NoError(t, err)
	assert.True(t, ratio.Equal(r(3, 1000)))
}

func TestPrice_MonotoneAndBounded(t *testing.T) {
	curves := []Fee{
		defaultCurve(),
		NewLiquidityLinear(r(1, 2), r(0, 1), 1_000),
		NewLiquidityLinear(r(7, 100), r(7, 100), 123_456),
		NewLiquidityLinear(r(1, 1), r(1, 3), 7),
	}
	const value = 10
	for _, f := range curves {
		ll := f.LiquidityLinear
		prev := rational.One
		for liq := uint64(value); liq < value+2*ll.LiquidityThreshold+20; liq += 1 + ll.LiquidityThreshold/97 {
			ratio, err := f.Price(liq, value)
			require.NoError(t, err)
			assert.True(t, ratio.LessThanOrEqual(prev), "%s not non-increasing at liquidity %d", f, liq)
			assert.True(t, ratio.LessThanOrEqual(ll.MaxFeeRatio), "%s above max at %d", f, liq)
			assert.True(t, ll.MinFeeRatio.LessThanOrEqual(ratio), "%s below min at %d", f, liq)
			prev = ratio
		}
	}
}

func TestFlat_IgnoresLiquidity(t *testing.T) {
	f := NewFlat(r(1, 100))
	a, err := f.Price(1_000_000, 1)
	require.NoError(t, err)
	b, err := f.Price(1, 1)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestEncodeDecode(t *testing.T) {
	data, err := defaultCurve().Encode()
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, got.LiquidityLinear)
	assert.Equal(t, KindLiquidityLinear, got.Kind)
	assert.True(t, got.LiquidityLinear.MinFeeRatio.Equal(r(3, 1000)))
	assert.Equal(t, uint64(500_000), got.LiquidityLinear.LiquidityThreshold)
}

// --- Protocol fee ---

func TestProtocolSplit_NoRemainderLost(t *testing.T) {
	pf := ProtocolFee{FeeRatio: r(1, 10), ReferrerFeeRatio: r(1, 2)}
	for _, amount := range []uint64{0, 1, 9, 10, 299, 300, 301, 1_000_003} {
		s, err := pf.Split(amount, false)
		require.NoError(t, err)
		assert.Equal(t, amount, s.Total(), "amount %d", amount)
		assert.Zero(t, s.Referrer)

		s, err = pf.Split(amount, true)
		require.NoError(t, err)
		assert.Equal(t, amount, s.Total(), "amount %d with referrer", amount)
	}
}

func TestProtocolSplit_Values(t *testing.T) {
	pf := ProtocolFee{FeeRatio: r(1, 10), ReferrerFeeRatio: r(1, 2)}

	s, err := pf.Split(300, false)
	require.NoError(t, err)
	assert.Equal(t, Split{Provider: 270, Protocol: 30}, s)

	s, err = pf.Split(300, true)
	require.NoError(t, err)
	assert.Equal(t, Split{Provider: 270, Protocol: 15, Referrer: 15}, s)

	// floor(29 * 0.1) = 2: the remainder stays with providers.
	s, err = pf.Split(29, false)
	require.NoError(t, err)
	assert.Equal(t, Split{Provider: 27, Protocol: 2}, s)
}

func TestProtocolFee_Validate(t *testing.T) {
	assert.NoError(t, ProtocolFee{FeeRatio: r(1, 10)}.Validate())
	assert.ErrorIs(t, ProtocolFee{FeeRatio: r(11, 10)}.Validate(), ErrInvalidFeeConfiguration)
	assert.ErrorIs(t, ProtocolFee{FeeRatio: r(1, 10), ReferrerFeeRatio: r(2, 1)}.Validate(), ErrInvalidFeeConfiguration)
}
