/*
types.go - Balance instrument model

PURPOSE:
  A balance coupon is a rechargeable-then-depleting wallet: it starts with
  an initial balance, is debited when an order that used it completes, and
  is credited back when that order is cancelled or refunded. This file
  defines the instrument, its usage history, and the status it derives.

KEY TYPES:
  Code:        Canonical (trimmed, lower-cased) coupon code
  Instrument:  Balance-bearing coupon with its append-ordered usage history
  UsageRecord: One settlement against one order
  Status:      Active / Exhausted / Expired (derived, never stored)

INVARIANTS:
  - 0 <= CurrentBalance <= InitialBalance
  - CurrentBalance == clamp(InitialBalance - sum(AmountDebited), 0, InitialBalance)
  - History order == settlement order
  - Only the Engine writes CurrentBalance, ExpiresAt and History

SEE ALSO:
  - ledger.go: Settle / Reverse
  - validity.go: Status derivation
*/
package coupon

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/coupon-ledger/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Code is the canonical form of a human-entered coupon code.
type Code string

// NormalizeCode canonicalizes a typed code. Codes are case-insensitive.
func NormalizeCode(raw string) Code {
	return Code(strings.ToLower(strings.TrimSpace(raw)))
}

// ParseCode normalizes raw and rejects empty codes.
func ParseCode(raw string) (Code, error) {
	c := NormalizeCode(raw)
	if c == "" {
		return "", fmt.Errorf("%w: empty coupon code", generic.ErrInvalidArgument)
	}
	return c, nil
}

func (c Code) String() string { return string(c) }

// OrderRef identifies an order in the storefront's order store.
type OrderRef string

// =============================================================================
// USAGE RECORD
// =============================================================================

// UsageRecord is one settlement event against an instrument.
type UsageRecord struct {
	ID       string
	OrderRef OrderRef

	// AmountUsed is the discount the order recorded for this coupon.
	AmountUsed generic.Amount

	// AmountDebited is what actually left the balance: AmountUsed capped by the
	// balance at settlement time. Reverse credits this amount.
	AmountDebited generic.Amount

	RemainingBalance generic.Amount
	Timestamp        time.Time
}

// Shortfall is the part of the recorded discount the balance could not cover.
func (r UsageRecord) Shortfall() generic.Amount {
	return r.AmountUsed.Sub(r.AmountDebited).Max(generic.ZeroAmount())
}

// matches reports whether r is the settlement of order for amount.
func (r UsageRecord) matches(order OrderRef, amount generic.Amount) bool {
	return r.OrderRef == order && r.AmountUsed.Equal(amount)
}

// =============================================================================
// INSTRUMENT
// =============================================================================

// Instrument is a balance-bearing coupon.
type Instrument struct {
	Code           Code
	InitialBalance generic.Amount
	CurrentBalance generic.Amount
	ExpiresAt      *time.Time
	CustomerEmail  string
	History        []UsageRecord

	// Version is the optimistic concurrency token. Store.Save compares it and
	// bumps it on success.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (i Instrument) Clone() Instrument {
	out := i
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		out.ExpiresAt = &t
	}
	out.History = append([]UsageRecord(nil), i.History...)
	return out
}

// Used reports whether any settlement is on record.
func (i Instrument) Used() bool { return len(i.History) > 0 }

// FindUsage returns the index of the first record for (order, amount), or -1.
func (i Instrument) FindUsage(order OrderRef, amount generic.Amount) int {
	for idx, rec := range i.History {
		if rec.matches(order, amount) {
			return idx
		}
	}
	return -1
}

// DerivedBalance replays the history: initial minus everything debited, clamped.
func (i Instrument) DerivedBalance() generic.Amount {
	bal := i.InitialBalance
	for _, rec := range i.History {
		bal = bal.Sub(rec.AmountDebited)
	}
	return bal.Clamp(generic.ZeroAmount(), i.InitialBalance)
}

// HistoryNewestFirst returns the usage history in display order.
func (i Instrument) HistoryNewestFirst() []UsageRecord {
	out := make([]UsageRecord, len(i.History))
	for idx, rec := range i.History {
		out[len(i.History)-1-idx] = rec
	}
	return out
}

// Validate checks the balance bounds. Stores call it at their I/O edge.
func (i Instrument) Validate() error {
	if i.Code == "" {
		return fmt.Errorf("%w: empty coupon code", generic.ErrInvalidArgument)
	}
	if i.InitialBalance.IsNegative() {
		return fmt.Errorf("%w: initial balance %s is negative", generic.ErrInvalidArgument, i.InitialBalance)
	}
	if i.CurrentBalance.IsNegative() || i.CurrentBalance.GreaterThan(i.InitialBalance) {
		return fmt.Errorf("%w: current balance %s outside [0, %s]",
			generic.ErrInvalidArgument, i.CurrentBalance, i.InitialBalance)
	}
	return nil
}

// =============================================================================
// ORDER (external, read-only)
// =============================================================================

// OrderStatus is the lifecycle transition the storefront reports.
type OrderStatus string

const (
	OrderCompletedStatus OrderStatus = "completed"
	OrderCancelledStatus OrderStatus = "cancelled"
	OrderRefundedStatus  OrderStatus = "refunded"
)

// ParseOrderStatus accepts the storefront's status names.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(strings.ToLower(strings.TrimSpace(s))) {
	case OrderCompletedStatus:
		return OrderCompletedStatus, nil
	case OrderCancelledStatus:
		return OrderCancelledStatus, nil
	case OrderRefundedStatus:
		return OrderRefundedStatus, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", generic.ErrInvalidArgument, s)
}

// OrderCouponLine is the discount an order attributed to one coupon.
type OrderCouponLine struct {
	Code     Code
	Discount generic.Amount
}

// Order is the storefront's snapshot of an order's coupon lines.
type Order struct {
	Ref     OrderRef
	Status  OrderStatus
	Coupons []OrderCouponLine
}
