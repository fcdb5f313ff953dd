/*
events.go - Typed lifecycle events and their dispatcher

PURPOSE:
  The storefront reports what happened (an order completed, a cart changed)
  and the Bus runs the handlers registered for that event, in registration
  order. Components are plain values built once at startup and registered
  explicitly; nothing is global.

DISPATCH RULES:
  - Every handler runs, even after an earlier one failed.
  - A panicking handler is recovered and reported as an error.
  - Dispatch returns all handler errors combined (go.uber.org/multierr).

SEE ALSO:
  - ledger.go: Settle / Reverse behind the order events
  - guards.go: Checkpoints behind the cart events
*/
package coupon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/warp/coupon-ledger/logger"
)

// EventName identifies a lifecycle event.
type EventName string

const (
	EventOrderCompleted    EventName = "order.completed"
	EventOrderCancelled    EventName = "order.cancelled"
	EventOrderRefunded     EventName = "order.refunded"
	EventCartMutated       EventName = "cart.mutated"
	EventInstrumentApplied EventName = "cart.instrument_applied"
	EventCheckoutReviewed  EventName = "cart.checkout_reviewed"
)

// Event is a typed lifecycle payload.
type Event interface {
	Name() EventName
}

// OrderEvent is implemented by the three order transitions.
type OrderEvent interface {
	Event
	OrderRef() OrderRef
	report() *Report
}

// OrderCompleted settles the order. Result, when set, receives the report.
type OrderCompleted struct {
	Order  OrderRef
	Result *Report
}

// OrderCancelled reverses the order.
type OrderCancelled struct {
	Order  OrderRef
	Result *Report
}

// OrderRefunded reverses the order. Refunds always reverse in full.
type OrderRefunded struct {
	Order  OrderRef
	Result *Report
}

func (OrderCompleted) Name() EventName { return EventOrderCompleted }
func (OrderCancelled) Name() EventName { return EventOrderCancelled }
func (OrderRefunded) Name() EventName  { return EventOrderRefunded }

func (e OrderCompleted) OrderRef() OrderRef { return e.Order }
func (e OrderCancelled) OrderRef() OrderRef { return e.Order }
func (e OrderRefunded) OrderRef() OrderRef  { return e.Order }

func (e OrderCompleted) report() *Report { return e.Result }
func (e OrderCancelled) report() *Report { return e.Result }
func (e OrderRefunded) report() *Report  { return e.Result }

// NewOrderEvent maps a storefront status to its event.
func NewOrderEvent(status OrderStatus, ref OrderRef, result *Report) (OrderEvent, error) {
	switch status {
	case OrderCompletedStatus:
		return OrderCompleted{Order: ref, Result: result}, nil
	case OrderCancelledStatus:
		return OrderCancelled{Order: ref, Result: result}, nil
	case OrderRefundedStatus:
		return OrderRefunded{Order: ref, Result: result}, nil
	}
	return nil, fmt.Errorf("no event for order status %q", status)
}

// CartMutated fires after items or coupons in a cart changed.
type CartMutated struct {
	Cart     Cart
	Notifier Notifier
}

// InstrumentApplied fires when the shopper applies a code. A refused code is
// removed from Cart.
type InstrumentApplied struct {
	Code     Code
	Cart     Cart
	Notifier Notifier
}

// CheckoutReviewed fires when the checkout summary is shown.
type CheckoutReviewed struct {
	Cart     Cart
	Notifier Notifier
}

func (CartMutated) Name() EventName       { return EventCartMutated }
func (InstrumentApplied) Name() EventName { return EventInstrumentApplied }
func (CheckoutReviewed) Name() EventName  { return EventCheckoutReviewed }

// =============================================================================
// BUS
// =============================================================================

// Handler reacts to one event.
type Handler func(ctx context.Context, ev Event) error

type Bus struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
	log      *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{handlers: make(map[EventName][]Handler), log: log}
}

// Subscribe appends h to the handlers of name.
func (b *Bus) Subscribe(name EventName, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Dispatch runs every handler of ev in order and combines their errors.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name()]...)
	b.mu.RUnlock()

	var errs error
	for _, h := range handlers {
		if err := b.call(ctx, h, ev); err != nil {
			b.log.Error(b.log.WithField(ctx, "event", string(ev.Name())), "event handler failed", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (b *Bus) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", ev.Name(), r)
		}
	}()
	return h(ctx, ev)
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register wires the engine and the guards to their events.
func Register(bus *Bus, engine *Engine, guards *Guards) {
	if engine != nil {
		settle := func(ctx context.Context, ev Event) error {
			oe, ok := ev.(OrderEvent)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev, ev.Name())
			}
			rep, err := engine.Settle(ctx, oe.OrderRef())
			if out := oe.report(); out != nil {
				*out = rep
			}
			return err
		}
		reverse := func(ctx context.Context, ev Event) error {
			oe, ok := ev.(OrderEvent)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev, ev.Name())
			}
			rep, err := engine.Reverse(ctx, oe.OrderRef())
			if out := oe.report(); out != nil {
				*out = rep
			}
			return err
		}
		bus.Subscribe(EventOrderCompleted, settle)
		bus.Subscribe(EventOrderCancelled, reverse)
		bus.Subscribe(EventOrderRefunded, reverse)
	}

	if guards != nil {
		bus.Subscribe(EventCartMutated, func(ctx context.Context, ev Event) error {
			e, ok := ev.(CartMutated)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev, ev.Name())
			}
			guards.OnCartMutated(ctx, e.Cart, e.Notifier)
			return nil
		})
		bus.Subscribe(EventInstrumentApplied, func(ctx context.Context, ev Event) error {
			e, ok := ev.(InstrumentApplied)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev, ev.Name())
			}
			if !guards.OnApply(ctx, e.Code, e.Notifier) && e.Cart != nil {
				e.Cart.RemoveCode(e.Code)
			}
			return nil
		})
		bus.Subscribe(EventCheckoutReviewed, func(ctx context.Context, ev Event) error {
			e, ok := ev.(CheckoutReviewed)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev, ev.Name())
			}
			guards.OnCheckoutReview(ctx, e.Cart, e.Notifier)
			return nil
		})
	}
}
