package rational

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReducesToLowestTerms(t *testing.T) {
	r, err := New(30, 10000)
	require.NoError(t, err)
	assert.Equal(t, "3/1000", r.String())
}

func TestNew_ZeroDenominator(t *testing.T) {
	_, err := New(1, 0)
	assert.ErrorIs(t, err, ErrZeroDenominator)
}

func TestZeroValueIsZero(t *testing.T) {
	var r Rational
	assert.True(t, r.IsZero())
	assert.True(t, r.Equal(Zero))
	assert.Equal(t, "0/1", r.String())
}

func TestAddSubMul(t *testing.T) {
	a := MustNew(1, 3)
	b := MustNew(1, 6)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustNew(1, 2)), "got %s", sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.True(t, diff.Equal(MustNew(1, 6)), "got %s", diff)

	prod, err := a.Mul(b)
	require.NoError(t, err)
	assert.True(t, prod.Equal(MustNew(1, 18)), "got %s", prod)

	scaled, err := a.MulInt(9)
	require.NoError(t, err)
	assert.True(t, scaled.Equal(FromInt(3)), "got %s", scaled)
}

func TestSub_BelowZeroFails(t *testing.T) {
	_, err := MustNew(1, 10).Sub(MustNew(1, 5))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMul_OverflowFails(t *testing.T) {
	big := FromInt(math.MaxUint64)
	sq, err := big.Mul(big)
	require.NoError(t, err, "2^128 range still fits")

	_, err = sq.Mul(big)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCompare(t *testing.T) {
	a := MustNew(3, 1000)
	b := MustNew(30, 100)

	assert.True(t, a.LessThan(b))
	assert.True(t, a.LessThanOrEqual(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.Equal(MustNew(6, 2000)))
	assert.Equal(t, 0, a.Cmp(MustNew(9, 3000)))
	assert.True(t, a.InUnitInterval())
	assert.False(t, MustNew(11, 10).InUnitInterval())
}

func TestFloorAndCeilMul(t *testing.T) {
	r := MustNew(3, 1000)

	floor, err := r.FloorMul(100_001)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), floor)

	ceil, err := r.CeilMul(100_001)
	require.NoError(t, err)
	assert.Equal(t, uint64(301), ceil)

	exact, err := r.CeilMul(100_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), exact)
}

func TestFloorMul_ResultOverflowsUint64(t *testing.T) {
	_, err := FromInt(2).FloorMul(math.MaxUint64)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFromDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want Rational
	}{
		{"0.003", MustNew(3, 1000)},
		{"0.30", MustNew(3, 10)},
		{"1", One},
		{"0", Zero},
		{"25", FromInt(25)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := FromDecimal(decimal.RequireFromString(tt.in))
			require.NoError(t, err)
			assert.True(t, r.Equal(tt.want), "got %s want %s", r, tt.want)
		})
	}

	_, err := FromDecimal(decimal.RequireFromString("-0.1"))
	assert.ErrorIs(t, err, ErrNegative)
}

func TestParse(t *testing.T) {
	r, err := Parse("3/1000")
	require.NoError(t, err)
	assert.True(t, r.Equal(MustNew(3, 1000)))

	r, err = Parse(" 0.25 ")
	require.NoError(t, err)
	assert.True(t, r.Equal(MustNew(1, 4)))

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrSyntax)

	_, err = Parse("1/0")
	assert.ErrorIs(t, err, ErrZeroDenominator)
}

func TestParse_ExponentBounds(t *testing.T) {
	for _, in := range []string{"1e-1000000000", "1e1000000000", "1e-78", "1e39"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrOverflow, in)
	}

	r, err := Parse("1e-38")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000000000000000000000", r.Denom())

	r, err = Parse("0e-1000000000")
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustNew(3, 1000))
	require.NoError(t, err)
	assert.JSONEq(t, `{"num":"3","denom":"1000"}`, string(data))

	for _, in := range []string{`{"num":"3","denom":"1000"}`, `"0.003"`, `"3/1000"`, `0.003`} {
		var r Rational
		require.NoError(t, json.Unmarshal([]byte(in), &r), in)
		assert.True(t, r.Equal(MustNew(3, 1000)), "%s decoded to %s", in, r)
	}
}

func TestDecimal(t *testing.T) {
	assert.Equal(t, "0.3333", MustNew(1, 3).Decimal(4).String())
}
