package fixed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Dec is the fixed-point type used by all ledger math. It wraps a decimal
// value quantized to FractionalDigits and bounded to the ledger's numeric
// envelope. Every operation returns an explicit error on range violation;
// nothing wraps or saturates silently.
type Dec struct {
	d decimal.Decimal
}

// FractionalDigits is the fixed fractional precision of every stored value.
// 18 digits keeps rounding bias negligible over millions of compounding
// periods while staying exactly representable in the event log.
const FractionalDigits = 18

var (
	ErrMathOverflow   = errors.New("fixed: value out of range")
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

var (
	// maxAbs bounds the integer magnitude at 10^24 (covers the 2^80
	// integer range of the wire format this ledger is compatible with).
	maxAbs = decimal.New(1, 24)
	// ulp is the smallest representable increment.
	ulp = decimal.New(1, -FractionalDigits)
)

func Zero() Dec { return Dec{} }

func One() Dec { return Dec{d: decimal.New(1, 0)} }

func FromInt64(v int64) Dec { return Dec{d: decimal.NewFromInt(v)} }

// Parse converts a decimal string into a Dec, enforcing precision and range.
func Parse(s string) (Dec, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Dec{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return checked(d.RoundBank(FractionalDigits))
}

// MustParse is Parse for literals known at compile time (config defaults,
// tests). It panics on malformed input.
func MustParse(s string) Dec {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal adapts a raw decimal (e.g. an oracle feed value) into the
// ledger's precision.
func FromDecimal(d decimal.Decimal) (Dec, error) {
	return checked(d.RoundBank(FractionalDigits))
}

func checked(d decimal.Decimal) (Dec, error) {
	if d.Abs().Cmp(maxAbs) > 0 {
		return Dec{}, ErrMathOverflow
	}
	return Dec{d: d}, nil
}

func (a Dec) Add(b Dec) (Dec, error) { return checked(a.d.Add(b.d)) }

func (a Dec) Sub(b Dec) (Dec, error) { return checked(a.d.Sub(b.d)) }

// Mul rounds half-even at the fixed precision, matching the default
// rounding used for rate compounding.
func (a Dec) Mul(b Dec) (Dec, error) {
	return checked(a.d.Mul(b.d).RoundBank(FractionalDigits))
}

// MulFloor biases the product downward (amounts paid out to users).
func (a Dec) MulFloor(b Dec) (Dec, error) {
	return checked(a.d.Mul(b.d).RoundFloor(FractionalDigits))
}

// MulCeil biases the product upward (amounts charged against users).
func (a Dec) MulCeil(b Dec) (Dec, error) {
	return checked(a.d.Mul(b.d).RoundCeil(FractionalDigits))
}

// Div rounds half-up at the fixed precision.
func (a Dec) Div(b Dec) (Dec, error) {
	if b.d.IsZero() {
		return Dec{}, ErrDivisionByZero
	}
	return checked(a.d.DivRound(b.d, FractionalDigits))
}

// DivFloor biases the quotient downward.
func (a Dec) DivFloor(b Dec) (Dec, error) {
	if b.d.IsZero() {
		return Dec{}, ErrDivisionByZero
	}
	q, r := a.d.QuoRem(b.d, FractionalDigits)
	if !r.IsZero() && (a.d.Sign() < 0) != (b.d.Sign() < 0) {
		q = q.Sub(ulp)
	}
	return checked(q)
}

// DivCeil biases the quotient upward.
func (a Dec) DivCeil(b Dec) (Dec, error) {
	if b.d.IsZero() {
		return Dec{}, ErrDivisionByZero
	}
	q, r := a.d.QuoRem(b.d, FractionalDigits)
	if !r.IsZero() && (a.d.Sign() < 0) == (b.d.Sign() < 0) {
		q = q.Add(ulp)
	}
	return checked(q)
}

func (a Dec) Neg() Dec { return Dec{d: a.d.Neg()} }

func (a Dec) Cmp(b Dec) int { return a.d.Cmp(b.d) }

func (a Dec) Equal(b Dec) bool { return a.d.Equal(b.d) }

func (a Dec) LessThan(b Dec) bool { return a.d.Cmp(b.d) < 0 }

func (a Dec) GreaterThan(b Dec) bool { return a.d.Cmp(b.d) > 0 }

func (a Dec) IsZero() bool { return a.d.IsZero() }

func (a Dec) Sign() int { return a.d.Sign() }

func Min(a, b Dec) Dec {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Dec) Dec {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func (a Dec) String() string { return a.d.String() }

// Float64 is lossy and intended for metrics gauges only, never ledger math.
func (a Dec) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

func (a Dec) Decimal() decimal.Decimal { return a.d }

func (a Dec) MarshalJSON() ([]byte, error) { return a.d.MarshalJSON() }

func (a *Dec) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := checked(d.RoundBank(FractionalDigits))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
