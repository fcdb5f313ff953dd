/*
service.go - Read operations and administration of balance coupons

PURPOSE:
  The surface used by the admin dashboard, point-of-sale callers and the
  balance checker widget:

    CheckBalance    status + balance + shopper-facing message, never errors
                    for unknown codes (lookups are routinely speculative)
    UsageHistory    settlements, most recent first
    ComputeDiscount discount a coupon can cover on an order total
    List            dashboard listing with status filter and sorting
    Issue / Amend   create a coupon, edit its definition

  Amend goes through the Engine's lock + compare-and-swap path, so an admin
  edit never overwrites a concurrent settlement.
*/
package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/coupon-ledger/generic"
)

// StatusNotFound is reported by CheckBalance for codes that are not balance coupons.
const StatusNotFound Status = "not_found"

type Service struct {
	store  Store
	engine *Engine
	clock  generic.Clock
}

func NewService(store Store, engine *Engine, clock generic.Clock) *Service {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Service{store: store, engine: engine, clock: clock}
}

// =============================================================================
// READS
// =============================================================================

// BalanceCheck is the answer to "how much is left on this code".
type BalanceCheck struct {
	Code           Code
	Status         Status
	Balance        generic.Amount
	InitialBalance generic.Amount
	ExpiresAt      *time.Time
	Message        string
}

// CheckBalance never fails for unknown codes; it reports StatusNotFound.
// Only store failures are returned as errors.
func (s *Service) CheckBalance(ctx context.Context, raw string) (BalanceCheck, error) {
	code := NormalizeCode(raw)
	notFound := BalanceCheck{
		Code:    code,
		Status:  StatusNotFound,
		Balance: generic.ZeroAmount(),
		Message: "The coupon is not valid or is not a reusable balance coupon.",
	}
	if code == "" {
		return notFound, nil
	}

	inst, err := s.store.Get(ctx, code)
	if errors.Is(err, generic.ErrInstrumentNotFound) {
		return notFound, nil
	}
	if err != nil {
		return BalanceCheck{}, err
	}

	status := Evaluate(inst, s.clock.Now())
	check := BalanceCheck{
		Code:           code,
		Status:         status,
		Balance:        inst.CurrentBalance,
		InitialBalance: inst.InitialBalance,
		ExpiresAt:      inst.ExpiresAt,
	}
	switch status {
	case StatusActive:
		check.Message = fmt.Sprintf("The coupon %q has a remaining balance of %s.", string(code), inst.CurrentBalance)
		if inst.ExpiresAt != nil {
			check.Message += fmt.Sprintf(" It expires on %s.", inst.ExpiresAt.Format("2006-01-02"))
		}
	case StatusExhausted:
		check.Message = fmt.Sprintf("The coupon %q has no balance left.", string(code))
	default:
		check.Message = fmt.Sprintf("The coupon %q is no longer valid.", string(code))
	}
	return check, nil
}

// UsageHistory returns settlements most recent first. Unknown codes yield none.
func (s *Service) UsageHistory(ctx context.Context, raw string) ([]UsageRecord, error) {
	inst, err := s.store.Get(ctx, NormalizeCode(raw))
	if errors.Is(err, generic.ErrInstrumentNotFound) {
		return []UsageRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return inst.HistoryNewestFirst(), nil
}

// ComputeDiscount returns what code can take off orderTotal right now.
// Unknown or non-active coupons discount nothing.
func (s *Service) ComputeDiscount(ctx context.Context, raw string, orderTotal generic.Amount) (generic.Amount, error) {
	if orderTotal.IsNegative() {
		return generic.ZeroAmount(), fmt.Errorf("%w: order total %s is negative", generic.ErrInvalidArgument, orderTotal)
	}
	inst, err := s.store.Get(ctx, NormalizeCode(raw))
	if errors.Is(err, generic.ErrInstrumentNotFound) {
		return generic.ZeroAmount(), nil
	}
	if err != nil {
		return generic.ZeroAmount(), err
	}
	if Evaluate(inst, s.clock.Now()) != StatusActive {
		return generic.ZeroAmount(), nil
	}
	return ComputeDiscount(inst.CurrentBalance, orderTotal)
}

// Get returns one instrument with its derived status.
func (s *Service) Get(ctx context.Context, raw string) (Instrument, Status, error) {
	code, err := ParseCode(raw)
	if err != nil {
		return Instrument{}, "", err
	}
	inst, err := s.store.Get(ctx, code)
	if err != nil {
		return Instrument{}, "", err
	}
	return inst, Evaluate(inst, s.clock.Now()), nil
}

// Listed is an instrument with the status it had when listed.
type Listed struct {
	Instrument
	Status Status
}

// List returns instruments matching q, evaluated at one instant.
func (s *Service) List(ctx context.Context, q ListQuery) ([]Listed, error) {
	insts, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]Listed, 0, len(insts))
	for _, inst := range insts {
		st := Evaluate(inst, now)
		if q.Status != "" && st != q.Status {
			continue
		}
		out = append(out, Listed{Instrument: inst, Status: st})
	}
	return out, nil
}

// CustomerInstruments lists a customer's active coupons by code.
func (s *Service) CustomerInstruments(ctx context.Context, email string) ([]Listed, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: empty customer email", generic.ErrInvalidArgument)
	}
	return s.List(ctx, ListQuery{CustomerEmail: email, Status: StatusActive, SortBy: SortByCode})
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// Definition is what an admin supplies when issuing a coupon.
type Definition struct {
	Code           string
	InitialBalance generic.Amount
	ExpiresAt      *time.Time
	CustomerEmail  string
}

// Issue creates a coupon whose current balance equals its initial balance.
func (s *Service) Issue(ctx context.Context, def Definition) (Instrument, error) {
	code, err := ParseCode(def.Code)
	if err != nil {
		return Instrument{}, err
	}
	if !def.InitialBalance.IsPositive() {
		return Instrument{}, fmt.Errorf("%w: initial balance must be positive, got %s", generic.ErrInvalidArgument, def.InitialBalance)
	}

	now := s.clock.Now()
	inst := Instrument{
		Code:           code,
		InitialBalance: def.InitialBalance,
		CurrentBalance: def.InitialBalance,
		ExpiresAt:      def.ExpiresAt,
		CustomerEmail:  strings.ToLower(strings.TrimSpace(def.CustomerEmail)),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// Amendment lists the definition fields to change. Nil means unchanged.
type Amendment struct {
	InitialBalance *generic.Amount
	ExpiresAt      *time.Time
	ClearExpiry    bool
	CustomerEmail  *string
}

// Amend edits a coupon's definition. The initial balance can only change
// while the coupon is unused, and then the current balance follows it.
func (s *Service) Amend(ctx context.Context, raw string, a Amendment) (Instrument, error) {
	code, err := ParseCode(raw)
	if err != nil {
		return Instrument{}, err
	}
	if a.InitialBalance != nil && !a.InitialBalance.IsPositive() {
		return Instrument{}, fmt.Errorf("%w: initial balance must be positive, got %s", generic.ErrInvalidArgument, *a.InitialBalance)
	}

	_, err = s.engine.mutate(ctx, code, func(inst *Instrument, now time.Time) (LineResult, bool, error) {
		if a.InitialBalance != nil && !a.InitialBalance.Equal(inst.InitialBalance) {
			if inst.Used() {
				return LineResult{}, false, fmt.Errorf("%w: %s has %d settlements", generic.ErrInitialBalanceLocked, code, len(inst.History))
			}
			inst.InitialBalance = *a.InitialBalance
			inst.CurrentBalance = *a.InitialBalance
		}
		switch {
		case a.ClearExpiry:
			inst.ExpiresAt = nil
		case a.ExpiresAt != nil:
			t := *a.ExpiresAt
			inst.ExpiresAt = &t
		}
		if a.CustomerEmail != nil {
			inst.CustomerEmail = strings.ToLower(strings.TrimSpace(*a.CustomerEmail))
		}
		inst.UpdatedAt = now
		return LineResult{Outcome: OutcomeApplied}, true, nil
	})
	if err != nil {
		return Instrument{}, err
	}
	return s.store.Get(ctx, code)
}

// =============================================================================
// AUDIT
// =============================================================================

// Drift is an instrument whose stored balance disagrees with its history.
type Drift struct {
	Code    Code
	Stored  generic.Amount
	Derived generic.Amount
}

// Audit re-derives every balance from its history. It reports, never repairs.
func (s *Service) Audit(ctx context.Context) ([]Drift, int, error) {
	insts, err := s.store.List(ctx, ListQuery{SortBy: SortByCode})
	if err != nil {
		return nil, 0, err
	}
	var drifts []Drift
	for _, inst := range insts {
		derived := inst.DerivedBalance()
		if !derived.Equal(inst.CurrentBalance) {
			drifts = append(drifts, Drift{Code: inst.Code, Stored: inst.CurrentBalance, Derived: derived})
		}
	}
	return drifts, len(insts), nil
}
