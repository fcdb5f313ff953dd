/*
Package generic provides the money and time primitives shared by the ledger.

PURPOSE:
  Holds the domain-agnostic building blocks: a decimal monetary Amount,
  the Clock abstraction every decision point reads "now" from, and the
  centralized error taxonomy. The coupon package builds the balance
  ledger on top of these.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a non-floating monetary quantity (store currency, no conversion)
  - Arithmetic helpers that never round through float64

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Explicit parsing: amounts enter the system through ParseAmount,
     never through implicit string/number coercion

USAGE:
  balance := generic.MustAmount("100.00")
  used := generic.NewAmountFromInt(60)
  remaining := balance.Sub(used).Max(generic.ZeroAmount())

SEE ALSO:
  - time.go: Clock used by validity evaluation
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity in the store currency
// =============================================================================

// Amount is a monetary value. Multi-currency is out of scope, so there is no unit.
type Amount struct {
	Value decimal.Decimal
}

func NewAmountFromInt(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }
func ZeroAmount() Amount                  { return Amount{Value: decimal.Zero} }

// ParseAmount parses a decimal string. Empty input is an error.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrInvalidArgument)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidArgument, s, err)
	}
	return Amount{Value: d}, nil
}

// MustAmount parses s and panics on malformed input. Test and seed data only.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount      { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount      { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) IsNegative() bool         { return a.Value.IsNegative() }
func (a Amount) IsZero() bool             { return a.Value.IsZero() }
func (a Amount) IsPositive() bool         { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool      { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool   { return a.Value.LessThan(b.Value) }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}
func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds a to [lo, hi].
func (a Amount) Clamp(lo, hi Amount) Amount { return a.Max(lo).Min(hi) }

// String renders the amount with two decimal places.
func (a Amount) String() string { return a.Value.StringFixed(2) }

// Float64 is for display and metrics only.
func (a Amount) Float64() float64 {
	f, _ := a.Value.Float64()
	return f
}

// MarshalJSON encodes the amount as a decimal string so clients never see float rounding.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value.String())
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	a.Value = d
	return nil
}
