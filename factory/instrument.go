/*
Package factory provides JSON to Go conversion for balance coupons.

PURPOSE:
  Converts JSON coupon definitions into coupon.Definition values. This is
  the one place where untyped input (admin forms, seed files, HTTP bodies)
  becomes typed: amounts become decimals, dates become instants, codes are
  normalized. Everything past this boundary works on typed values.

JSON SCHEMA:
  {
    "code": "GIFT-100",
    "initial_balance": "100.00",
    "expires_at": "2025-12-31",
    "customer_email": "ana@example.com"
  }

  expires_at accepts RFC3339 or a plain date (midnight UTC of that day).
  initial_balance accepts a JSON string or number.

VALIDATION:
  Struct tags are checked with go-playground/validator. Failures come back
  as *ValidationError, which wraps generic.ErrInvalidArgument and carries a
  per-field message keyed by JSON name.

USAGE:
  f := factory.NewInstrumentFactory()

  def, err := f.ParseDefinition(`{"code":"gift","initial_balance":"50"}`)
  inst, err := service.Issue(ctx, def)

  // Presets
  def, err := f.ParseDefinition(factory.GiftCardJSON("GIFT-50", "50"))

SEE ALSO:
  - coupon/service.go: Issue and Amend consume Definitions
  - api/dto.go: Request bodies validated with Validate
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// InstrumentJSON is the JSON representation of a coupon definition.
type InstrumentJSON struct {
	Code           string          `json:"code" validate:"required,max=64"`
	InitialBalance json.RawMessage `json:"initial_balance" validate:"required"`
	ExpiresAt      string          `json:"expires_at,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty" validate:"omitempty,email"`
}

// ValidationError lists the offending fields by JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return generic.ErrInvalidArgument }

// =============================================================================
// VALIDATOR
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	// amount: a non-negative decimal string.
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		a, err := generic.ParseAmount(fl.Field().String())
		return err == nil && !a.IsNegative()
	})
	return v
}

// Validate checks v's validate tags and returns a *ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("%w: %v", generic.ErrInvalidArgument, err)
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "amount":
		return "must be a non-negative decimal"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	}
	return "is invalid"
}

// =============================================================================
// INSTRUMENT FACTORY
// =============================================================================

// InstrumentFactory converts JSON definitions to coupon.Definition.
type InstrumentFactory struct{}

// NewInstrumentFactory creates a new instrument factory.
func NewInstrumentFactory() *InstrumentFactory {
	return &InstrumentFactory{}
}

// ParseDefinition parses a single JSON object.
func (f *InstrumentFactory) ParseDefinition(jsonStr string) (coupon.Definition, error) {
	var ij InstrumentJSON
	if err := json.Unmarshal([]byte(jsonStr), &ij); err != nil {
		return coupon.Definition{}, fmt.Errorf("%w: failed to parse coupon JSON: %v", generic.ErrInvalidArgument, err)
	}
	return f.FromJSON(ij)
}

// ParseBatch parses a JSON array of definitions. Codes must be unique
// within the batch.
func (f *InstrumentFactory) ParseBatch(jsonStr string) ([]coupon.Definition, error) {
	var batch []InstrumentJSON
	if err := json.Unmarshal([]byte(jsonStr), &batch); err != nil {
		return nil, fmt.Errorf("%w: failed to parse coupon batch: %v", generic.ErrInvalidArgument, err)
	}

	defs := make([]coupon.Definition, 0, len(batch))
	seen := make(map[coupon.Code]bool, len(batch))
	for i, ij := range batch {
		def, err := f.FromJSON(ij)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		code := coupon.NormalizeCode(def.Code)
		if seen[code] {
			return nil, fmt.Errorf("entry %d: %w: %s", i, generic.ErrDuplicateCode, code)
		}
		seen[code] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// FromJSON validates ij and converts it.
func (f *InstrumentFactory) FromJSON(ij InstrumentJSON) (coupon.Definition, error) {
	if err := Validate(ij); err != nil {
		return coupon.Definition{}, err
	}

	code, err := coupon.ParseCode(ij.Code)
	if err != nil {
		return coupon.Definition{}, &ValidationError{Fields: map[string]string{"code": "is required"}}
	}

	initial, err := parseRawAmount(ij.InitialBalance)
	if err != nil || !initial.IsPositive() {
		return coupon.Definition{}, &ValidationError{Fields: map[string]string{"initial_balance": "must be a positive decimal"}}
	}

	def := coupon.Definition{
		Code:           string(code),
		InitialBalance: initial,
		CustomerEmail:  strings.ToLower(strings.TrimSpace(ij.CustomerEmail)),
	}
	if ij.ExpiresAt != "" {
		t, err := ParseExpiry(ij.ExpiresAt)
		if err != nil {
			return coupon.Definition{}, &ValidationError{Fields: map[string]string{"expires_at": "must be RFC3339 or YYYY-MM-DD"}}
		}
		def.ExpiresAt = &t
	}
	return def, nil
}

// ToJSON converts an instrument back to its definition form.
func (f *InstrumentFactory) ToJSON(inst coupon.Instrument) InstrumentJSON {
	ij := InstrumentJSON{
		Code:           string(inst.Code),
		InitialBalance: json.RawMessage(`"` + inst.InitialBalance.String() + `"`),
		CustomerEmail:  inst.CustomerEmail,
	}
	if inst.ExpiresAt != nil {
		ij.ExpiresAt = inst.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return ij
}

// =============================================================================
// PRESETS
// =============================================================================

// GiftCardJSON is a plain balance coupon with no expiry.
func GiftCardJSON(code, amount string) string {
	return fmt.Sprintf(`{"code":%q,"initial_balance":%q}`, code, amount)
}

// StoreCreditJSON is a balance coupon tied to a customer that expires on a date.
func StoreCreditJSON(code, amount, email, expires string) string {
	return fmt.Sprintf(`{"code":%q,"initial_balance":%q,"customer_email":%q,"expires_at":%q}`,
		code, amount, email, expires)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseExpiry accepts RFC3339 or YYYY-MM-DD (midnight UTC).
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid expiry %q", generic.ErrInvalidArgument, s)
	}
	return t.UTC(), nil
}

// parseRawAmount accepts "12.50" or 12.50.
func parseRawAmount(raw json.RawMessage) (generic.Amount, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return generic.ParseAmount(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return generic.Amount{}, err
	}
	return generic.ParseAmount(n.String())
}
