/*
guards.go - Checkpoint guards for the checkout flow

PURPOSE:
  Balance can change between the moment a customer applies a coupon and the
  moment the order settles (another checkout may spend it). Three read-only
  checkpoints re-evaluate every applied balance coupon with Evaluate:

    OnCartMutated     exhausted coupons are removed from the cart
    OnApply           anything not Active is refused
    OnCheckoutReview  exhausted coupons are removed before payment

  Given the same instant and instrument state all three reach the same
  verdict, because all three call Evaluate with the same clock.

ERRORS:
  Verdicts are user notices, never errors. A store read failure is logged and
  the coupon is left alone; settlement re-checks it anyway.
*/
package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/logger"
)

// Severity of a user notice.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityNotice  Severity = "notice"
	SeveritySuccess Severity = "success"
)

// Notifier shows a message to the shopper.
type Notifier interface {
	AddNotice(message string, severity Severity)
}

// Cart is the storefront's cart as seen by the guards.
type Cart interface {
	AppliedCodes() []Code
	Subtotal() generic.Amount
	RemoveCode(code Code)
}

type Guards struct {
	store Store
	clock generic.Clock
	log   *logger.Logger
}

func NewGuards(store Store, clock generic.Clock, log *logger.Logger) *Guards {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Guards{store: store, clock: clock, log: log}
}

// lookup returns the status of code. ok is false for codes that are not
// balance coupons or could not be read.
func (g *Guards) lookup(ctx context.Context, code Code) (Instrument, Status, bool) {
	inst, err := g.store.Get(ctx, code)
	if err != nil {
		if !errors.Is(err, generic.ErrInstrumentNotFound) {
			g.log.Error(g.log.WithCouponCode(ctx, string(code)), "checkpoint read failed", err)
		}
		return Instrument{}, "", false
	}
	return inst, Evaluate(inst, g.clock.Now()), true
}

// OnCartMutated removes exhausted balance coupons from the cart.
func (g *Guards) OnCartMutated(ctx context.Context, cart Cart, notifier Notifier) []Code {
	return g.removeExhausted(ctx, cart, notifier, "%q has no balance left and was removed from your cart.")
}

// OnCheckoutReview re-validates applied coupons right before payment.
func (g *Guards) OnCheckoutReview(ctx context.Context, cart Cart, notifier Notifier) []Code {
	return g.removeExhausted(ctx, cart, notifier, "%q ran out of balance since it was applied and was removed from your order.")
}

func (g *Guards) removeExhausted(ctx context.Context, cart Cart, notifier Notifier, format string) []Code {
	var removed []Code
	for _, code := range uniqueCodes(cart.AppliedCodes()) {
		_, status, ok := g.lookup(ctx, code)
		if !ok || status != StatusExhausted {
			continue
		}
		cart.RemoveCode(code)
		notifier.AddNotice(fmt.Sprintf("The coupon "+format, string(code)), SeverityError)
		removed = append(removed, code)
	}
	return removed
}

// OnApply reports whether code may be applied. Codes that are not balance
// coupons are not this guard's concern and pass.
func (g *Guards) OnApply(ctx context.Context, code Code, notifier Notifier) bool {
	_, status, ok := g.lookup(ctx, code)
	if !ok {
		return true
	}
	switch status {
	case StatusExhausted:
		notifier.AddNotice(fmt.Sprintf("The coupon %q has no balance left and cannot be applied.", string(code)), SeverityError)
		return false
	case StatusExpired:
		notifier.AddNotice(fmt.Sprintf("The coupon %q has expired and cannot be applied.", string(code)), SeverityError)
		return false
	}
	return true
}

// CartBalanceLine is one row of the balance summary shown in the cart.
type CartBalanceLine struct {
	Code      Code
	Balance   generic.Amount
	Status    Status
	ExpiresAt *time.Time
}

// CartBalances lists the balance of every balance coupon in the cart.
func (g *Guards) CartBalances(ctx context.Context, cart Cart) []CartBalanceLine {
	var lines []CartBalanceLine
	for _, code := range uniqueCodes(cart.AppliedCodes()) {
		inst, status, ok := g.lookup(ctx, code)
		if !ok {
			continue
		}
		lines = append(lines, CartBalanceLine{
			Code:      code,
			Balance:   inst.CurrentBalance,
			Status:    status,
			ExpiresAt: inst.ExpiresAt,
		})
	}
	return lines
}
