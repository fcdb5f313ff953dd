/*
store.go - Persistence and collaborator interfaces for the ledger

PURPOSE:
  Defines what the ledger needs from the outside world:
  - Store:       the instrument store (the only shared mutable resource)
  - OrderSource: the storefront's order store (read-only to the ledger)
  - Locker:      per-instrument mutual exclusion

CONCURRENCY CONTRACT:
  Save is a compare-and-swap on Instrument.Version. If the stored version
  differs from the one the caller read, Save returns
  generic.ErrConcurrentModification and writes nothing. Save persists the
  balance, expiry and full history of one instrument atomically.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (WAL) implementation
  - store/memory: In-memory implementation for tests and dev

SEE ALSO:
  - ledger.go: The only caller of Save for balance changes
  - lock/: Locker implementations
*/
package coupon

import (
	"context"
	"time"

	"github.com/warp/coupon-ledger/generic"
)

// =============================================================================
// INSTRUMENT STORE
// =============================================================================

// Store persists instruments.
type Store interface {
	// Get returns the instrument for code or generic.ErrInstrumentNotFound.
	Get(ctx context.Context, code Code) (Instrument, error)

	// Create persists a new instrument with Version 1.
	// Returns generic.ErrDuplicateCode if the code exists.
	Create(ctx context.Context, inst Instrument) error

	// Save replaces balance, expiry, history and definition fields of an
	// existing instrument if its stored version equals inst.Version.
	Save(ctx context.Context, inst Instrument) error

	// List returns instruments matching q. Status filtering is done by the
	// caller with Evaluate, so stores only filter by customer and code and sort.
	List(ctx context.Context, q ListQuery) ([]Instrument, error)
}

// SortField selects the list ordering.
type SortField string

const (
	SortByCode           SortField = "code"
	SortByCurrentBalance SortField = "current_balance"
	SortByExpiresAt      SortField = "expires_at"
)

// ParseSortField returns SortByCode for unknown values.
func ParseSortField(s string) SortField {
	switch SortField(s) {
	case SortByCurrentBalance, SortByExpiresAt:
		return SortField(s)
	}
	return SortByCode
}

// ListQuery filters and orders the admin listing.
type ListQuery struct {
	Status        Status // empty = all
	CustomerEmail string // empty = all
	Search        string // code substring, empty = all
	SortBy        SortField
	Desc          bool
}

// =============================================================================
// ORDER SOURCE (external collaborator)
// =============================================================================

// OrderSource reads the storefront's orders.
type OrderSource interface {
	// AppliedCodes returns the coupon codes applied to the order.
	// Returns generic.ErrOrderNotFound for unknown orders.
	AppliedCodes(ctx context.Context, ref OrderRef) ([]Code, error)

	// CouponDiscount returns the discount the order recorded for code.
	// This is the authoritative settlement amount; it is never recomputed.
	CouponDiscount(ctx context.Context, ref OrderRef, code Code) (generic.Amount, error)
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker serializes writers of the same instrument.
type Locker interface {
	// Lock blocks until key is held or ctx/timeout ends. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// OBSERVER (metrics hook)
// =============================================================================

// Outcome labels ledger operation results.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Observer receives ledger events for metrics.
type Observer interface {
	ObserveSettle(outcome Outcome)
	ObserveReverse(outcome Outcome)
	ObserveConflict()
	ObserveShortfall(amount generic.Amount)
	ObserveDuration(op string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveSettle(Outcome)                  {}
func (noopObserver) ObserveReverse(Outcome)                 {}
func (noopObserver) ObserveConflict()                       {}
func (noopObserver) ObserveShortfall(generic.Amount)        {}
func (noopObserver) ObserveDuration(string, time.Duration) {}
