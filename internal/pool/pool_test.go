package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/rational"
)

func r(num, denom uint64) rational.Rational {
	return rational.MustNew(num, denom)
}

func newPool() model.Pool {
	return model.Pool{
		ID:  "pool-1",
		Fee: fee.NewLiquidityLinear(r(3, 10), r(3, 1000), 500_000),
	}
}

var tenPercent = fee.ProtocolFee{FeeRatio: r(1, 10), ReferrerFeeRatio: r(1, 2)}

func seeded(t *testing.T, amount uint64) model.Pool {
	t.Helper()
	p, shares, err := AddLiquidity(newPool(), amount)
	require.NoError(t, err)
	require.Equal(t, amount, shares)
	return p
}

// --- Liquidity ---

func TestAddLiquidity_Bootstrap(t *testing.T) {
	p, shares, err := AddLiquidity(newPool(), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), shares)
	assert.Equal(t, uint64(1_000_000), p.Reserves)
	assert.Equal(t, uint64(1_000_000), p.LPSupply)
}

func TestAddLiquidity_ZeroAmount(t *testing.T) {
	p := newPool()
	next, _, err := AddLiquidity(p, 0)
	assert.ErrorIs(t, err, ErrZeroAmount)
	assert.Equal(t, p, next)
}

func TestAddLiquidity_Proportional(t *testing.T) {
	p := seeded(t, 1_000_000)
	p.Reserves = 2_000_000 // fees doubled share value

	next, shares, err := AddLiquidity(p, 1_000_001)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), shares, "floor(1_000_001 * 1_000_000 / 2_000_000)")
	assert.Equal(t, uint64(3_000_001), next.Reserves)
	assert.Equal(t, uint64(1_500_000), next.LPSupply)
}

func TestAddLiquidity_CountsIncomingStake(t *testing.T) {
	p := seeded(t, 1_000_000)
	p.Reserves = 500_000
	p.IncomingStake = 500_000

	_, shares, err := AddLiquidity(p, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), shares)
}

func TestRemoveLiquidity(t *testing.T) {
	p := seeded(t, 1_000_000)

	next, amount, err := RemoveLiquidity(p, 250_000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), amount)
	assert.Equal(t, uint64(750_000), next.Reserves)
	assert.Equal(t, uint64(750_000), next.LPSupply)
}

func TestRemoveLiquidity_ExceedsSupply(t *testing.T) {
	p := seeded(t, 1_000)
	next, _, err := RemoveLiquidity(p, 1_001, 5_000)
	assert.ErrorIs(t, err, ErrInsufficientShares)
	assert.Equal(t, p, next, "state unchanged")
}

func TestRemoveLiquidity_ExceedsBalance(t *testing.T) {
	p := seeded(t, 1_000)
	_, _, err := RemoveLiquidity(p, 600, 500)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestRemoveLiquidity_ZeroShares(t *testing.T) {
	_, _, err := RemoveLiquidity(seeded(t, 1_000), 0, 1_000)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestRemoveLiquidity_LockedInIncomingStake(t *testing.T) {
	p := seeded(t, 1_000)
	p.Reserves = 100
	p.IncomingStake = 900

	_, _, err := RemoveLiquidity(p, 500, 1_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestRoundTrip_NeverGainsValue(t *testing.T) {
	states := []model.Pool{
		newPool(),
		{Reserves: 1_000_003, LPSupply: 999_999},
		{Reserves: 7, LPSupply: 3},
		{Reserves: 123_456_789, LPSupply: 100_000_000, IncomingStake: 5_000_000},
	}
	for _, start := range states {
		for _, amount := range []uint64{1, 2, 999, 1_000_000, 33_333_333} {
			afterAdd, shares, err := AddLiquidity(start, amount)
			require.NoError(t, err)
			if shares == 0 {
				continue
			}
			_, withdrawn, err := RemoveLiquidity(afterAdd, shares, shares)
			require.NoError(t, err)
			assert.LessOrEqual(t, withdrawn, amount, "start=%+v amount=%d", start, amount)
			if start.LPSupply == 0 {
				assert.Equal(t, amount, withdrawn, "bootstrap round trip is exact")
			}
		}
	}
}

func TestShareValue_ConstantWithoutFees(t *testing.T) {
	p := seeded(t, 1_000_000)
	before, err := ShareValue(p)
	require.NoError(t, err)

	p, _, err = AddLiquidity(p, 500_000)
	require.NoError(t, err)
	p, _, err = RemoveLiquidity(p, 200_000, 1_500_000)
	require.NoError(t, err)

	after, err := ShareValue(p)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "before %s after %s", before, after)
}

// --- Unstake ---

func TestQuoteUnstake_Scenario(t *testing.T) {
	p := seeded(t, 1_000_000)

	q, err := QuoteUnstake(p, 100_000)
	require.NoError(t, err)
	assert.True(t, q.FeeRatio.Equal(r(3, 1000)), "got %s", q.FeeRatio)
	assert.Equal(t, uint64(300), q.Fee)
	assert.Equal(t, uint64(99_700), q.Payout)
}

func TestQuoteUnstake_RoundsFeeUp(t *testing.T) {
	p := seeded(t, 1_000_000)
	q, err := QuoteUnstake(p, 100_001)
	require.NoError(t, err)
	assert.Equal(t, uint64(301), q.Fee, "ceil(100_001 * 0.003)")
	assert.Equal(t, uint64(99_700), q.Payout)
}

func TestQuoteUnstake_InsufficientLiquidity(t *testing.T) {
	p := seeded(t, 50_000)
	_, err := QuoteUnstake(p, 100_000)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, uint64(50_000), p.Reserves)
}

func TestApplyUnstake_Scenario(t *testing.T) {
	p := seeded(t, 1_000_000)
	q, err := QuoteUnstake(p, 100_000)
	require.NoError(t, err)

	next, split, err := ApplyUnstake(p, q, tenPercent, false)
	require.NoError(t, err)
	assert.Equal(t, fee.Split{Provider: 270, Protocol: 30}, split)
	// 1_000_000 - 99_700 paid out - 30 to the treasury; the providers' 270 stays.
	assert.Equal(t, uint64(900_270), next.Reserves)
	assert.Equal(t, uint64(1_000_000-100_000+270), next.Reserves)
	assert.Equal(t, uint64(100_000), next.IncomingStake)
	assert.Equal(t, uint64(1_000_000), next.LPSupply)
	assert.Equal(t, uint64(1_000_000), p.Reserves, "input untouched")
}

func TestApplyUnstake_WithReferrer(t *testing.T) {
	p := seeded(t, 1_000_000)
	q, err := QuoteUnstake(p, 100_000)
	require.NoError(t, err)

	next, split, err := ApplyUnstake(p, q, tenPercent, true)
	require.NoError(t, err)
	assert.Equal(t, fee.Split{Provider: 270, Protocol: 15, Referrer: 15}, split)
	assert.Equal(t, uint64(900_270), next.Reserves)
}

func TestApplyUnstake_NeverNegative(t *testing.T) {
	curves := []fee.Fee{
		fee.NewFlat(rational.Zero),
		fee.NewFlat(rational.One),
		fee.NewLiquidityLinear(r(1, 1), r(0, 1), 1_000),
		fee.NewLiquidityLinear(r(3, 10), r(3, 1000), 500_000),
	}
	protocols := []fee.ProtocolFee{
		{},
		{FeeRatio: rational.One, ReferrerFeeRatio: rational.One},
		tenPercent,
	}
	for _, curve := range curves {
		for _, pf := range protocols {
			for _, value := range []uint64{0, 1, 999, 50_000, 100_000} {
				p := model.Pool{Fee: curve, Reserves: 100_000, LPSupply: 100_000}
				q, err := QuoteUnstake(p, value)
				require.NoError(t, err)
				next, split, err := ApplyUnstake(p, q, pf, true)
				require.NoError(t, err)
				assert.Equal(t, q.Fee, split.Total())
				assert.Equal(t, p.Reserves-value+split.Provider, next.Reserves)
				assert.LessOrEqual(t, next.Reserves, p.Reserves)
			}
		}
	}
}

func TestApplyUnstake_InconsistentQuote(t *testing.T) {
	p := seeded(t, 1_000)
	_, _, err := ApplyUnstake(p, Quote{PositionValue: 10, Fee: 1, Payout: 10}, tenPercent, false)
	assert.Error(t, err)
}

// --- Reclaim ---

func TestApplyReclaim_SurplusGoesToProviders(t *testing.T) {
	p := seeded(t, 1_000_000)
	q, err := QuoteUnstake(p, 100_000)
	require.NoError(t, err)
	p, _, err = ApplyUnstake(p, q, fee.ProtocolFee{}, false)
	require.NoError(t, err)

	p, err = ApplyReclaim(p, 100_000, 100_050)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.IncomingStake)
	assert.Equal(t, uint64(1_000_000+300+50), p.Reserves)

	value, err := ShareValue(p)
	require.NoError(t, err)
	assert.True(t, value.GreaterThan(rational.One))
}

func TestApplyReclaim_SaturatesIncoming(t *testing.T) {
	p := model.Pool{Reserves: 10, IncomingStake: 5}
	next, err := ApplyReclaim(p, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next.IncomingStake)
	assert.Equal(t, uint64(18), next.Reserves)
}
