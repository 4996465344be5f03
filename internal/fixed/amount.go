// Package fixed implements the deterministic integer arithmetic used for every
// monetary and share quantity. Amounts are unsigned 256-bit integers scaled by
// 10^18. No operation wraps: overflow, underflow and division by zero are
// returned as errors.
package fixed

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"outcome-exchange/internal/apperr"
)

const (
	Decimals       = 18
	BpsDenominator = 10000
)

// One is 1.0 in scaled units.
var One = FromUint64(1_000_000_000_000_000_000)

// Amount is a non-negative fixed-point quantity. The zero value is 0.
type Amount struct {
	v uint256.Int
}

func Zero() Amount { return Amount{} }

func FromUint64(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// FromUnits returns n whole units (n * 10^18). It cannot overflow.
func FromUnits(n uint64) Amount {
	var a Amount
	a.v.Mul(uint256.NewInt(n), &One.v)
	return a
}

func FromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, apperr.ErrArithmeticUnderflow
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, apperr.ErrArithmeticOverflow
	}
	return Amount{v: *u}, nil
}

// ParseRaw parses a base-10 integer already in scaled units.
func ParseRaw(s string) (Amount, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, apperr.ErrInvalidAmount)
	}
	return Amount{v: *u}, nil
}

// Parse parses a human-readable quantity such as "12.5" into scaled units.
// More than 18 fractional digits is an error rather than a silent truncation.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, apperr.ErrInvalidAmount)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fmt.Errorf("parse amount %q: more than %d decimals: %w", s, Decimals, apperr.ErrInvalidAmount)
	}
	return FromBig(scaled.BigInt())
}

func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ── Comparison ───────────────────────────────────────

func (a Amount) IsZero() bool { return a.v.IsZero() }
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }
func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// ── Arithmetic ───────────────────────────────────────

func (a Amount) Add(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, apperr.ErrArithmeticOverflow
	}
	return z, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, apperr.ErrArithmeticUnderflow
	}
	return z, nil
}

func (a Amount) Mul(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		return Amount{}, apperr.ErrArithmeticOverflow
	}
	return z, nil
}

// Div truncates toward zero.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, apperr.ErrDivisionByZero
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z, nil
}

// MulDiv returns a*b/d truncated toward zero. The product is held in a
// 512-bit intermediate, so only a quotient that does not fit 256 bits fails.
func MulDiv(a, b, d Amount) (Amount, error) {
	if d.IsZero() {
		return Amount{}, apperr.ErrDivisionByZero
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		return Amount{}, apperr.ErrArithmeticOverflow
	}
	return z, nil
}

// MulDivUp is MulDiv rounded toward +inf.
func MulDivUp(a, b, d Amount) (Amount, error) {
	q, err := MulDiv(a, b, d)
	if err != nil {
		return Amount{}, err
	}
	var rem uint256.Int
	rem.MulMod(&a.v, &b.v, &d.v)
	if rem.IsZero() {
		return q, nil
	}
	return q.Add(FromUint64(1))
}

// Bps returns amount*rate/10000.
func Bps(amount Amount, rate uint32) (Amount, error) {
	return MulDiv(amount, FromUint64(uint64(rate)), FromUint64(BpsDenominator))
}

// Sqrt returns floor(sqrt(a)).
func (a Amount) Sqrt() Amount {
	var z Amount
	z.v.Sqrt(&a.v)
	return z
}

// ── Presentation ─────────────────────────────────────

// String returns the raw scaled integer in base 10.
func (a Amount) String() string { return a.v.Dec() }

// Decimal returns the amount in human units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals)
}

// Ratio returns num/den as a float64 for informational display. den == 0
// yields 0.
func Ratio(num, den Amount) float64 {
	if den.IsZero() {
		return 0
	}
	n := decimal.NewFromBigInt(num.v.ToBig(), 0)
	d := decimal.NewFromBigInt(den.v.ToBig(), 0)
	return n.DivRound(d, 12).InexactFloat64()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("amount: %w", err)
		}
		s = n.String()
	}
	v, err := ParseRaw(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a NUMERIC literal.
func (a Amount) Value() (driver.Value, error) { return a.String(), nil }

func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		if v < 0 {
			return apperr.ErrArithmeticUnderflow
		}
		*a = FromUint64(uint64(v))
		return nil
	default:
		return fmt.Errorf("amount: unsupported scan type %T", src)
	}
	v, err := ParseRaw(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
