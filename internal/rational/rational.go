// Package rational implements an exact ratio of unsigned integers used for
// every fee and share computation in the engine.
//
// Numerator and denominator are held as 256-bit words but are bounded to
// MaxBits after every operation, so cross products used for comparison can
// never wrap. Operations that would leave that range fail with ErrOverflow
// instead of truncating. Never float64 for money.
package rational

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when a result does not fit the bounded range,
	// including subtraction below zero.
	ErrOverflow = errors.New("rational: arithmetic overflow")

	// ErrZeroDenominator is returned when constructing x/0.
	ErrZeroDenominator = errors.New("rational: zero denominator")

	// ErrNegative is returned when converting a negative decimal.
	ErrNegative = errors.New("rational: negative value")

	// ErrSyntax is returned by Parse for malformed input.
	ErrSyntax = errors.New("rational: invalid syntax")
)

// MaxBits is the widest numerator or denominator a Rational may carry.
const MaxBits = 128

const maxDecimalExp = 77

// Rational is an immutable non-negative ratio num/denom. The zero value is 0.
type Rational struct {
	num   uint256.Int
	denom uint256.Int
}

// Zero and One are the ratio identities.
var (
	Zero = FromInt(0)
	One  = FromInt(1)
)

// New returns num/denom in lowest terms.
func New(num, denom uint64) (Rational, error) {
	return fromWide(uint256.NewInt(num), uint256.NewInt(denom))
}

// MustNew is New for constants; it panics on a zero denominator.
func MustNew(num, denom uint64) Rational {
	r, err := New(num, denom)
	if err != nil {
		panic(err)
	}
	return r
}

// FromInt returns n/1.
func FromInt(n uint64) Rational {
	var r Rational
	r.num.SetUint64(n)
	r.denom.SetOne()
	return r
}

func fromWide(num, denom *uint256.Int) (Rational, error) {
	if denom.IsZero() {
		return Rational{}, ErrZeroDenominator
	}
	var r Rational
	if num.IsZero() {
		r.denom.SetOne()
		return r, nil
	}
	g := gcd(*num, *denom)
	r.num.Div(num, &g)
	r.denom.Div(denom, &g)
	if r.num.BitLen() > MaxBits || r.denom.BitLen() > MaxBits {
		return Rational{}, ErrOverflow
	}
	return r, nil
}

func gcd(a, b uint256.Int) uint256.Int {
	for !b.IsZero() {
		var rem uint256.Int
		rem.Mod(&a, &b)
		a, b = b, rem
	}
	return a
}

// den treats the zero value's empty denominator as 1.
func (r Rational) den() uint256.Int {
	if r.denom.IsZero() {
		return *uint256.NewInt(1)
	}
	return r.denom
}

// crossProducts returns r.num*o.den and o.num*r.den.
func (r Rational) crossProducts(o Rational) (uint256.Int, uint256.Int, error) {
	rd, od := r.den(), o.den()
	var left, right uint256.Int
	if _, overflow := left.MulOverflow(&r.num, &od); overflow {
		return left, right, ErrOverflow
	}
	if _, overflow := right.MulOverflow(&o.num, &rd); overflow {
		return left, right, ErrOverflow
	}
	return left, right, nil
}

func (r Rational) denProduct(o Rational) (uint256.Int, error) {
	rd, od := r.den(), o.den()
	var den uint256.Int
	if _, overflow := den.MulOverflow(&rd, &od); overflow {
		return den, ErrOverflow
	}
	return den, nil
}

// Add returns r + o.
func (r Rational) Add(o Rational) (Rational, error) {
	left, right, err := r.crossProducts(o)
	if err != nil {
		return Rational{}, err
	}
	var num uint256.Int
	if _, overflow := num.AddOverflow(&left, &right); overflow {
		return Rational{}, ErrOverflow
	}
	den, err := r.denProduct(o)
	if err != nil {
		return Rational{}, err
	}
	return fromWide(&num, &den)
}

// Sub returns r - o. A negative result is reported as ErrOverflow.
func (r Rational) Sub(o Rational) (Rational, error) {
	left, right, err := r.crossProducts(o)
	if err != nil {
		return Rational{}, err
	}
	var num uint256.Int
	if _, underflow := num.SubOverflow(&left, &right); underflow {
		return Rational{}, ErrOverflow
	}
	den, err := r.denProduct(o)
	if err != nil {
		return Rational{}, err
	}
	return fromWide(&num, &den)
}

// Mul returns r * o.
func (r Rational) Mul(o Rational) (Rational, error) {
	var num uint256.Int
	if _, overflow := num.MulOverflow(&r.num, &o.num); overflow {
		return Rational{}, ErrOverflow
	}
	den, err := r.denProduct(o)
	if err != nil {
		return Rational{}, err
	}
	return fromWide(&num, &den)
}

// MulInt returns r * n as a ratio.
func (r Rational) MulInt(n uint64) (Rational, error) {
	return r.Mul(FromInt(n))
}

// FloorMul converts r * amount to an integer rounding toward zero. Use it
// wherever the pool pays out, so rounding never overpays.
func (r Rational) FloorMul(amount uint64) (uint64, error) {
	q, _, err := r.mulDiv(amount)
	if err != nil {
		return 0, err
	}
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// CeilMul converts r * amount to an integer rounding up. Use it wherever the
// pool charges, so rounding never undercharges.
func (r Rational) CeilMul(amount uint64) (uint64, error) {
	q, rem, err := r.mulDiv(amount)
	if err != nil {
		return 0, err
	}
	if !rem.IsZero() {
		one := uint256.NewInt(1)
		if _, overflow := q.AddOverflow(&q, one); overflow {
			return 0, ErrOverflow
		}
	}
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

func (r Rational) mulDiv(amount uint64) (uint256.Int, uint256.Int, error) {
	var product, q, rem uint256.Int
	if _, overflow := product.MulOverflow(&r.num, uint256.NewInt(amount)); overflow {
		return q, rem, ErrOverflow
	}
	d := r.den()
	q.Div(&product, &d)
	rem.Mod(&product, &d)
	return q, rem, nil
}

// Cmp compares r and o by cross-multiplication: -1 if r < o, 0 if equal,
// +1 if r > o.
func (r Rational) Cmp(o Rational) int {
	// Both sides are bounded to MaxBits, so the products cannot wrap.
	left, right, _ := r.crossProducts(o)
	return left.Cmp(&right)
}

// LessThan reports whether r < o.
func (r Rational) LessThan(o Rational) bool { return r.Cmp(o) < 0 }

// LessThanOrEqual reports whether r <= o.
func (r Rational) LessThanOrEqual(o Rational) bool { return r.Cmp(o) <= 0 }

// GreaterThan reports whether r > o.
func (r Rational) GreaterThan(o Rational) bool { return r.Cmp(o) > 0 }

// Equal reports whether r and o denote the same value.
func (r Rational) Equal(o Rational) bool { return r.Cmp(o) == 0 }

// IsZero reports whether r == 0.
func (r Rational) IsZero() bool { return r.num.IsZero() }

// InUnitInterval reports whether 0 <= r <= 1.
func (r Rational) InUnitInterval() bool { return r.LessThanOrEqual(One) }

// Num returns the reduced numerator as a decimal string.
func (r Rational) Num() string { return r.num.Dec() }

// Denom returns the reduced denominator as a decimal string; 1 for zero.
func (r Rational) Denom() string {
	d := r.den()
	return d.Dec()
}

// String renders "num/denom".
func (r Rational) String() string {
	return r.Num() + "/" + r.Denom()
}

// Decimal approximates r for display, rounded to places.
func (r Rational) Decimal(places int32) decimal.Decimal {
	d := r.den()
	num := decimal.NewFromBigInt(r.num.ToBig(), 0)
	return num.DivRound(decimal.NewFromBigInt(d.ToBig(), 0), places)
}

// FromDecimal converts d exactly: 0.003 becomes 3/1000.
func FromDecimal(d decimal.Decimal) (Rational, error) {
	if d.IsNegative() {
		return Rational{}, ErrNegative
	}
	coef := d.Coefficient()
	if coef.Sign() == 0 {
		return Zero, nil
	}
	exp := d.Exponent()
	// 10^78 exceeds 256 bits, so no wider exponent can reduce into range.
	if exp > maxDecimalExp || exp < -maxDecimalExp {
		return Rational{}, ErrOverflow
	}
	ten := big.NewInt(10)
	den := big.NewInt(1)
	if exp >= 0 {
		coef.Mul(coef, new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil))
	} else {
		den.Exp(ten, big.NewInt(int64(-exp)), nil)
	}
	n, overflow := uint256.FromBig(coef)
	if overflow {
		return Rational{}, ErrOverflow
	}
	m, overflow := uint256.FromBig(den)
	if overflow {
		return Rational{}, ErrOverflow
	}
	return fromWide(n, m)
}

// Parse accepts "num/denom" or a plain decimal such as "0.003".
func Parse(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if numStr, denStr, ok := strings.Cut(s, "/"); ok {
		n, err := uint256.FromDecimal(strings.TrimSpace(numStr))
		if err != nil {
			return Rational{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		m, err := uint256.FromDecimal(strings.TrimSpace(denStr))
		if err != nil {
			return Rational{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		return fromWide(n, m)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rational{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return FromDecimal(d)
}

type jsonRational struct {
	Num   string `json:"num"`
	Denom string `json:"denom"`
}

// MarshalJSON encodes r as {"num": "...", "denom": "..."}.
func (r Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonRational{Num: r.Num(), Denom: r.Denom()})
}

// UnmarshalJSON accepts the object form, a quoted "num/denom" or decimal
// string, or a bare JSON number.
func (r *Rational) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var j jsonRational
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		parsed, err := Parse(j.Num + "/" + j.Denom)
		if err != nil {
			return err
		}
		*r = parsed
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*r = parsed
	default:
		parsed, err := Parse(trimmed)
		if err != nil {
			return err
		}
		*r = parsed
	}
	return nil
}
