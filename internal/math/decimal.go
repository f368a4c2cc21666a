// internal/math/decimal.go
package math

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

type RoundingMode int

const (
	RoundHalfUp   RoundingMode = iota // half away from zero, matches toFixed on amounts
	RoundHalfEven                     // banker's rounding
	RoundDown                         // truncate toward zero
)

// DecimalConfig defines the fixed scale that position math is rounded to.
type DecimalConfig struct {
	Scale    int32
	Rounding RoundingMode
}

// AmountConfig is the scale used for every position and amount value.
var AmountConfig = DecimalConfig{Scale: 4, Rounding: RoundHalfUp}

// Round applies the configured scale and rounding mode.
func (c DecimalConfig) Round(d Decimal) Decimal {
	switch c.Rounding {
	case RoundHalfEven:
		return Decimal{d.d.RoundBank(c.Scale)}
	case RoundDown:
		return Decimal{d.d.Truncate(c.Scale)}
	default:
		return Decimal{d.d.Round(c.Scale)}
	}
}

// Add returns round(a + b).
func (c DecimalConfig) Add(a, b Decimal) Decimal { return c.Round(a.Add(b)) }

// Sub returns round(a - b).
func (c DecimalConfig) Sub(a, b Decimal) Decimal { return c.Round(a.Sub(b)) }

// Mul returns round(a * b).
func (c DecimalConfig) Mul(a, b Decimal) Decimal { return c.Round(a.Mul(b)) }

// Decimal is an immutable arbitrary-precision decimal. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

var Zero = Decimal{}

func NewFromInt(v int64) Decimal {
	return Decimal{decimal.NewFromInt(v)}
}

func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d}, nil
}

// MustParse panics on malformed input. Use only for constants and tests.
func MustParse(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (a Decimal) Add(b Decimal) Decimal { return Decimal{a.d.Add(b.d)} }
func (a Decimal) Sub(b Decimal) Decimal { return Decimal{a.d.Sub(b.d)} }
func (a Decimal) Mul(b Decimal) Decimal { return Decimal{a.d.Mul(b.d)} }
func (a Decimal) Neg() Decimal { return Decimal{a.d.Neg()} }

func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }
func (a Decimal) Equal(b Decimal) bool { return a.d.Equal(b.d) }
func (a Decimal) LessThan(b Decimal) bool { return a.d.LessThan(b.d) }
func (a Decimal) GreaterThan(b Decimal) bool { return a.d.GreaterThan(b.d) }
func (a Decimal) IsZero() bool { return a.d.IsZero() }
func (a Decimal) IsNegative() bool { return a.d.IsNegative() }
func (a Decimal) String() string { return a.d.String() }
func (a Decimal) StringFixed(places int32) string { return a.d.StringFixed(places) }

// Sum adds values without intermediate rounding.
func Sum(values ...Decimal) Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON writes the value as a bare JSON number.
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and numeric strings ("100.50").
func (a *Decimal) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.d = d
	return nil
}

// Value and Scan let the type round-trip through database/sql NUMERIC columns.
func (a Decimal) Value() (driver.Value, error) {
	return a.d.String(), nil
}

func (a *Decimal) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return err
	}
	a.d = d
	return nil
}
