/*
ledger.go - Settlement engine for balance coupons

PURPOSE:
  The Engine is the only writer of CurrentBalance, ExpiresAt and History.
  It debits balances when an order completes (Settle) and credits them back
  when the order is cancelled or refunded (Reverse).

SETTLE (per applied code):
  amount = order's recorded discount for the code (never recomputed)
  amount <= 0                  -> skipped
  record (order, amount) found -> duplicate delivery, no-op
  otherwise                    -> debit min(amount, balance), append record,
                                  expire immediately when balance hits zero

REVERSE (per applied code):
  record (order, amount) found -> credit the debited amount (capped at the
                                  initial balance), remove the first match,
                                  clear expiry when the balance is positive
  otherwise                    -> no-op

CONCURRENCY:
  Every instrument update is lock(code) -> Get -> modify copy -> Save, where
  Save is a compare-and-swap on Version. A version conflict or lock timeout
  (generic.ErrConcurrentModification) reloads and retries with bounded
  constant backoff. Different instruments never contend.

FAILURE ISOLATION:
  A failure on one instrument never stops the others. Errors are combined,
  logged and returned with a per-line Report. A settled order is never
  rolled back because its ledger write failed.

SEE ALSO:
  - store.go: Store, OrderSource, Locker
  - events.go: Bus handlers that call Settle/Reverse
*/
package coupon

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/logger"
)

// =============================================================================
// ENGINE
// =============================================================================

// EngineOptions tunes conflict handling and the shortfall policy.
type EngineOptions struct {
	MaxRetries uint64
	RetryDelay time.Duration

	// RejectInsufficient refuses a debit larger than the balance with
	// *generic.InsufficientBalanceError. The default clamps to zero and
	// records the shortfall.
	RejectInsufficient bool
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{MaxRetries: 5, RetryDelay: 20 * time.Millisecond}
}

// EngineDeps are the collaborators the engine is built from.
type EngineDeps struct {
	Store    Store
	Orders   OrderSource
	Locker   Locker
	Clock    generic.Clock
	Logger   *logger.Logger
	Observer Observer
}

type Engine struct {
	store    Store
	orders   OrderSource
	locker   Locker
	clock    generic.Clock
	log      *logger.Logger
	observer Observer
	opts     EngineOptions
}

// NewEngine builds an engine. Store, Orders and Locker are required.
func NewEngine(deps EngineDeps, opts EngineOptions) (*Engine, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Locker == nil {
		return nil, errors.New("engine requires a store, an order source and a locker")
	}
	if deps.Clock == nil {
		deps.Clock = generic.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultEngineOptions().RetryDelay
	}
	return &Engine{
		store:    deps.Store,
		orders:   deps.Orders,
		locker:   deps.Locker,
		clock:    deps.Clock,
		log:      deps.Logger,
		observer: deps.Observer,
		opts:     opts,
	}, nil
}

// =============================================================================
// REPORT
// =============================================================================

// LineResult is the outcome for one coupon code of an order.
type LineResult struct {
	Code    Code
	Outcome Outcome

	// Amount is the discount the order recorded for the code.
	Amount generic.Amount

	// Moved is what left (Settle) or returned to (Reverse) the balance.
	Moved generic.Amount

	// Balance is the balance after the operation, when the instrument was read.
	Balance generic.Amount

	// Shortfall is the part of Amount a settlement could not debit.
	Shortfall generic.Amount

	Err error
}

// Report lists per-code outcomes of one Settle or Reverse call.
type Report struct {
	Order OrderRef
	Lines []LineResult
}

// Applied counts lines that changed a balance.
func (r Report) Applied() int {
	n := 0
	for _, l := range r.Lines {
		if l.Outcome == OutcomeApplied {
			n++
		}
	}
	return n
}

// Line returns the result for code.
func (r Report) Line(code Code) (LineResult, bool) {
	for _, l := range r.Lines {
		if l.Code == code {
			return l, true
		}
	}
	return LineResult{}, false
}

// =============================================================================
// SETTLE / REVERSE
// =============================================================================

// Settle debits every balance coupon applied to the order.
func (e *Engine) Settle(ctx context.Context, ref OrderRef) (Report, error) {
	start := time.Now()
	defer func() { e.observer.ObserveDuration("settle", time.Since(start)) }()

	ctx = e.log.WithOrderRef(ctx, string(ref))
	return e.forEachLine(ctx, ref, e.observer.ObserveSettle, func(ctx context.Context, code Code, amount generic.Amount) (LineResult, error) {
		res, err := e.mutate(ctx, code, e.settleMutation(ref, amount))
		if err != nil || res.Outcome != OutcomeApplied {
			return res, err
		}
		if res.Shortfall.IsPositive() {
			e.observer.ObserveShortfall(res.Shortfall)
			e.log.Warnf(ctx, "settlement exceeds balance", map[string]any{
				"requested": amount.String(),
				"debited":   res.Moved.String(),
				"shortfall": res.Shortfall.String(),
			})
		}
		e.log.Infof(ctx, "balance settled", map[string]any{
			"debited": res.Moved.String(),
			"balance": res.Balance.String(),
		})
		return res, nil
	})
}

// Reverse credits back every settlement the order made.
// Cancellation and refund both reverse in full.
func (e *Engine) Reverse(ctx context.Context, ref OrderRef) (Report, error) {
	start := time.Now()
	defer func() { e.observer.ObserveDuration("reverse", time.Since(start)) }()

	ctx = e.log.WithOrderRef(ctx, string(ref))
	return e.forEachLine(ctx, ref, e.observer.ObserveReverse, func(ctx context.Context, code Code, amount generic.Amount) (LineResult, error) {
		res, err := e.mutate(ctx, code, e.reverseMutation(ref, amount))
		if err == nil && res.Outcome == OutcomeApplied {
			e.log.Infof(ctx, "balance reversed", map[string]any{
				"credited": res.Moved.String(),
				"balance":  res.Balance.String(),
			})
		}
		return res, err
	})
}

type lineFunc func(ctx context.Context, code Code, amount generic.Amount) (LineResult, error)

// forEachLine resolves the order's coupon lines and applies fn to each code,
// sequentially, collecting errors instead of stopping.
func (e *Engine) forEachLine(ctx context.Context, ref OrderRef, observe func(Outcome), fn lineFunc) (Report, error) {
	report := Report{Order: ref}

	codes, err := e.orders.AppliedCodes(ctx, ref)
	if err != nil {
		e.log.Error(ctx, "reading order coupons", err)
		return report, err
	}

	var errs error
	for _, code := range uniqueCodes(codes) {
		lineCtx := e.log.WithCouponCode(ctx, string(code))

		amount, err := e.orders.CouponDiscount(lineCtx, ref, code)
		if err != nil {
			line := LineResult{Code: code, Outcome: OutcomeFailed, Err: err}
			report.Lines = append(report.Lines, line)
			observe(line.Outcome)
			e.log.Error(lineCtx, "reading order coupon discount", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if !amount.IsPositive() {
			line := LineResult{Code: code, Outcome: OutcomeSkipped, Amount: amount}
			report.Lines = append(report.Lines, line)
			observe(line.Outcome)
			continue
		}

		line, err := fn(lineCtx, code, amount)
		line.Code, line.Amount = code, amount
		switch {
		case err == nil:
		case errors.Is(err, generic.ErrInstrumentNotFound):
			// Not a balance coupon.
			line.Outcome = OutcomeSkipped
			err = nil
		case errors.Is(err, generic.ErrInsufficientBalance):
			line.Outcome, line.Err = OutcomeRejected, err
		default:
			line.Outcome, line.Err = OutcomeFailed, err
		}
		report.Lines = append(report.Lines, line)
		observe(line.Outcome)

		if err != nil {
			e.log.Error(lineCtx, "ledger update failed", err)
			errs = multierr.Append(errs, err)
		}
	}
	return report, errs
}

func (e *Engine) settleMutation(ref OrderRef, amount generic.Amount) mutation {
	return func(inst *Instrument, now time.Time) (LineResult, bool, error) {
		res := LineResult{Outcome: OutcomeDuplicate, Balance: inst.CurrentBalance}
		if inst.FindUsage(ref, amount) >= 0 {
			return res, false, nil
		}

		before := inst.CurrentBalance.Max(generic.ZeroAmount())
		if amount.GreaterThan(before) && e.opts.RejectInsufficient {
			return LineResult{Outcome: OutcomeRejected, Balance: before}, false, &generic.InsufficientBalanceError{
				Code:      string(inst.Code),
				OrderRef:  string(ref),
				Available: before,
				Requested: amount,
				Shortfall: amount.Sub(before),
			}
		}

		debited := amount.Min(before)
		after := before.Sub(debited)
		inst.CurrentBalance = after
		inst.History = append(inst.History, UsageRecord{
			ID:               uuid.NewString(),
			OrderRef:         ref,
			AmountUsed:       amount,
			AmountDebited:    debited,
			RemainingBalance: after,
			Timestamp:        now,
		})
		if !after.IsPositive() {
			expired := generic.JustBefore(now)
			inst.ExpiresAt = &expired
		}
		return LineResult{
			Outcome:   OutcomeApplied,
			Moved:     debited,
			Balance:   after,
			Shortfall: amount.Sub(debited),
		}, true, nil
	}
}

func (e *Engine) reverseMutation(ref OrderRef, amount generic.Amount) mutation {
	return func(inst *Instrument, _ time.Time) (LineResult, bool, error) {
		idx := inst.FindUsage(ref, amount)
		if idx < 0 {
			return LineResult{Outcome: OutcomeNoMatch, Balance: inst.CurrentBalance}, false, nil
		}

		credit := inst.History[idx].AmountDebited
		after := inst.CurrentBalance.Add(credit).Min(inst.InitialBalance)
		inst.CurrentBalance = after
		inst.History = slices.Delete(inst.History, idx, idx+1)
		if after.IsPositive() && inst.ExpiresAt != nil {
			inst.ExpiresAt = nil
		}
		return LineResult{Outcome: OutcomeApplied, Moved: credit, Balance: after}, true, nil
	}
}

// =============================================================================
// READ-MODIFY-WRITE
// =============================================================================

// mutation edits a private copy of the instrument. It returns false when
// nothing must be persisted.
type mutation func(inst *Instrument, now time.Time) (LineResult, bool, error)

// mutate runs fn under the instrument lock and retries conflicts.
func (e *Engine) mutate(ctx context.Context, code Code, fn mutation) (LineResult, error) {
	var res LineResult
	backoff := retry.WithMaxRetries(e.opts.MaxRetries, retry.NewConstant(e.opts.RetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := e.mutateOnce(ctx, code, fn)
		if err != nil {
			if generic.IsRetryable(err) {
				e.observer.ObserveConflict()
				e.log.Warn(ctx, "concurrent modification, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (e *Engine) mutateOnce(ctx context.Context, code Code, fn mutation) (LineResult, error) {
	unlock, err := e.locker.Lock(ctx, string(code))
	if err != nil {
		return LineResult{}, err
	}
	defer unlock()

	inst, err := e.store.Get(ctx, code)
	if err != nil {
		return LineResult{}, generic.Persistence("get", string(code), err)
	}

	now := e.clock.Now()
	work := inst.Clone()
	res, changed, err := fn(&work, now)
	if err != nil || !changed {
		return res, err
	}

	work.UpdatedAt = now
	if err := work.Validate(); err != nil {
		return res, err
	}
	if err := e.store.Save(ctx, work); err != nil {
		return res, generic.Persistence("save", string(code), err)
	}
	return res, nil
}

func uniqueCodes(codes []Code) []Code {
	seen := make(map[Code]bool, len(codes))
	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		c = NormalizeCode(string(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
