/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts leave the API as fixed two-decimal strings ("40.00") and enter it
  as decimal strings. Nothing is ever carried as a float.

TYPES:
  Instruments:
    InstrumentDTO, UsageRecordDTO, AmendInstrumentRequest
    (issuing reuses factory.InstrumentJSON)

  Storefront:
    BalanceCheckDTO, ComputeDiscountRequest, DiscountDTO
    RecordOrderRequest, OrderEventRequest, OrderEventResponse
    CartEventRequest, CartEventResponse

  Admin:
    AuditReportDTO, ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags, checked by decodeJSON
  through factory.Validate. The "amount" tag is a non-negative decimal.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/instrument.go: InstrumentJSON and the validator
*/
package api

import (
	"time"

	"github.com/warp/coupon-ledger/coupon"
)

// =============================================================================
// INSTRUMENTS
// =============================================================================

// InstrumentDTO represents a balance coupon in API responses.
type InstrumentDTO struct {
	Code           string  `json:"code"`
	Status         string  `json:"status"`
	InitialBalance string  `json:"initial_balance"`
	CurrentBalance string  `json:"current_balance"`
	ExpiresAt      *string `json:"expires_at"`
	CustomerEmail  string  `json:"customer_email,omitempty"`
	UsageCount     int     `json:"usage_count"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

// UsageRecordDTO is one settlement in an instrument's history.
type UsageRecordDTO struct {
	ID               string `json:"id"`
	OrderRef         string `json:"order_ref"`
	AmountUsed       string `json:"amount_used"`
	AmountDebited    string `json:"amount_debited"`
	Shortfall        string `json:"shortfall,omitempty"`
	RemainingBalance string `json:"remaining_balance"`
	Timestamp        string `json:"timestamp"`
}

// AmendInstrumentRequest edits a coupon definition. Omitted fields are unchanged.
type AmendInstrumentRequest struct {
	InitialBalance *string `json:"initial_balance,omitempty" validate:"omitempty,amount"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	ClearExpiry    bool    `json:"clear_expiry,omitempty"`
	CustomerEmail  *string `json:"customer_email,omitempty" validate:"omitempty,email"`
}

// =============================================================================
// STOREFRONT
// =============================================================================

// BalanceCheckDTO answers the balance checker and the POS.
type BalanceCheckDTO struct {
	Code           string  `json:"code"`
	Status         string  `json:"status"`
	Balance        string  `json:"balance"`
	InitialBalance string  `json:"initial_balance,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	Message        string  `json:"message"`
}

type ComputeDiscountRequest struct {
	Code       string `json:"code" validate:"required,max=64"`
	OrderTotal string `json:"order_total" validate:"required,amount"`
}

type DiscountDTO struct {
	Code       string `json:"code"`
	OrderTotal string `json:"order_total"`
	Discount   string `json:"discount"`
}

// RecordOrderRequest is the storefront's snapshot of an order's coupon lines.
type RecordOrderRequest struct {
	Ref     string                   `json:"ref" validate:"required,max=128"`
	Status  string                   `json:"status,omitempty" validate:"omitempty,oneof=completed cancelled refunded"`
	Coupons []OrderCouponLineRequest `json:"coupons" validate:"dive"`
}

type OrderCouponLineRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Discount string `json:"discount" validate:"required,amount"`
}

// OrderEventRequest reports an order lifecycle transition.
type OrderEventRequest struct {
	Status string `json:"status" validate:"required,oneof=completed cancelled refunded"`
}

type OrderEventResponse struct {
	Order   string          `json:"order"`
	Status  string          `json:"status"`
	Applied int             `json:"applied"`
	Lines   []LineResultDTO `json:"lines"`
	Error   string          `json:"error,omitempty"`
}

// LineResultDTO is the ledger outcome for one coupon of an order.
type LineResultDTO struct {
	Code      string `json:"code"`
	Outcome   string `json:"outcome"`
	Amount    string `json:"amount"`
	Moved     string `json:"moved"`
	Balance   string `json:"balance"`
	Shortfall string `json:"shortfall,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Cart event names on the wire.
const (
	CartEventMutated           = "cart_mutated"
	CartEventInstrumentApplied = "instrument_applied"
	CartEventCheckoutReviewed  = "checkout_reviewed"
)

// CartEventRequest carries the cart as the storefront sees it.
type CartEventRequest struct {
	Event        string   `json:"event" validate:"required,oneof=cart_mutated instrument_applied checkout_reviewed"`
	Code         string   `json:"code,omitempty" validate:"required_if=Event instrument_applied,max=64"`
	AppliedCodes []string `json:"applied_codes"`
	Subtotal     string   `json:"subtotal,omitempty" validate:"omitempty,amount"`
}

type CartEventResponse struct {
	AppliedCodes []string         `json:"applied_codes"`
	Removed      []string         `json:"removed"`
	Notices      []NoticeDTO      `json:"notices"`
	Balances     []CartBalanceDTO `json:"balances,omitempty"`
}

type NoticeDTO struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type CartBalanceDTO struct {
	Code      string  `json:"code"`
	Balance   string  `json:"balance"`
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AuditReportDTO struct {
	Checked int        `json:"checked"`
	Drifts  []DriftDTO `json:"drifts"`
	RanAt   string     `json:"ran_at"`
}

type DriftDTO struct {
	Code    string `json:"code"`
	Stored  string `json:"stored"`
	Derived string `json:"derived"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest represents a request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toInstrumentDTO(inst coupon.Instrument, status coupon.Status) InstrumentDTO {
	return InstrumentDTO{
		Code:           string(inst.Code),
		Status:         string(status),
		InitialBalance: inst.InitialBalance.String(),
		CurrentBalance: inst.CurrentBalance.String(),
		ExpiresAt:      formatTimePtr(inst.ExpiresAt),
		CustomerEmail:  inst.CustomerEmail,
		UsageCount:     len(inst.History),
		Version:        inst.Version,
		CreatedAt:      formatTime(inst.CreatedAt),
		UpdatedAt:      formatTime(inst.UpdatedAt),
	}
}

func toUsageRecordDTOs(records []coupon.UsageRecord) []UsageRecordDTO {
	dtos := make([]UsageRecordDTO, 0, len(records))
	for _, rec := range records {
		dto := UsageRecordDTO{
			ID:               rec.ID,
			OrderRef:         string(rec.OrderRef),
			AmountUsed:       rec.AmountUsed.String(),
			AmountDebited:    rec.AmountDebited.String(),
			RemainingBalance: rec.RemainingBalance.String(),
			Timestamp:        formatTime(rec.Timestamp),
		}
		if s := rec.Shortfall(); s.IsPositive() {
			dto.Shortfall = s.String()
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

func toLineResultDTOs(lines []coupon.LineResult) []LineResultDTO {
	dtos := make([]LineResultDTO, 0, len(lines))
	for _, l := range lines {
		dto := LineResultDTO{
			Code:    string(l.Code),
			Outcome: string(l.Outcome),
			Amount:  l.Amount.String(),
			Moved:   l.Moved.String(),
			Balance: l.Balance.String(),
		}
		if l.Shortfall.IsPositive() {
			dto.Shortfall = l.Shortfall.String()
		}
		if l.Err != nil {
			dto.Error = l.Err.Error()
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

func codeStrings(codes []coupon.Code) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, string(c))
	}
	return out
}
