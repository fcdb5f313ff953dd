/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with coupons
	and orders and then drive them through the event bus, so the dashboard
	shows balances, histories and statuses produced by the real ledger.

AVAILABLE SCENARIOS:

	partial-use:        100 coupon, one 60 order completed (balance 40)
	refund-restores:    partial-use, then the order is refunded (balance 100)
	exhaust:            30 coupon on a 50 order (discount 30, exhausted)
	restore-exhausted:  exhausted coupon whose order is cancelled (active 30)
	concurrent-orders:  two 40 orders complete at once against a 50 coupon
	customer-wallet:    coupons tied to a customer, one expired, one used up

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Issue coupons via factory presets
 3. Record order snapshots with the discount the checkout computed
 4. Dispatch order transitions through the bus

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "exhaust"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and loader
 2. Create loader function: loadXxxScenario(ctx, h)

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: transitionOrder, shared with the order events endpoint
  - factory/instrument.go: Coupon JSON presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/factory"
	"github.com/warp/coupon-ledger/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "partial-use",
			Name:        "Partial Use",
			Description: "A 100 coupon pays 60 of an order and keeps 40",
			Category:    "ledger",
		},
		load: loadPartialUseScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "refund-restores",
			Name:        "Refund Restores",
			Description: "The partial-use order is refunded and the full balance returns",
			Category:    "ledger",
		},
		load: loadRefundRestoresScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "exhaust",
			Name:        "Exhaust",
			Description: "A 30 coupon on a 50 order is used up and refused afterwards",
			Category:    "ledger",
		},
		load: loadExhaustScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "restore-exhausted",
			Name:        "Restore Exhausted",
			Description: "Cancelling the order that used up a coupon makes it active again",
			Category:    "ledger",
		},
		load: loadRestoreExhaustedScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "concurrent-orders",
			Name:        "Concurrent Orders",
			Description: "Two 40 orders complete at the same time against a 50 coupon",
			Category:    "concurrency",
		},
		load: loadConcurrentOrdersScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "customer-wallet",
			Name:        "Customer Wallet",
			Description: "Store credit for one customer: active, expired and used up",
			Category:    "account",
		},
		load: loadCustomerWalletScenario,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.getCurrentScenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := s.load(ctx, h); err != nil {
		h.writeDomainError(ctx, w, "Failed to load scenario", err)
		return
	}
	h.setCurrentScenario(s.ID)

	h.log.Infof(ctx, "scenario loaded", map[string]any{"scenario": s.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

func (h *Handler) getCurrentScenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadPartialUseScenario(ctx context.Context, h *Handler) error {
	if err := h.issue(ctx, factory.GiftCardJSON("GIFT-100", "100")); err != nil {
		return err
	}
	_, err := h.checkout(ctx, "order-1001", "gift-100", "60")
	return err
}

func loadRefundRestoresScenario(ctx context.Context, h *Handler) error {
	if err := loadPartialUseScenario(ctx, h); err != nil {
		return err
	}
	_, err := h.transitionOrder(ctx, "order-1001", coupon.OrderRefundedStatus)
	return err
}

func loadExhaustScenario(ctx context.Context, h *Handler) error {
	if err := h.issue(ctx, factory.GiftCardJSON("CREDIT-30", "30")); err != nil {
		return err
	}
	_, err := h.checkout(ctx, "order-2001", "credit-30", "50")
	return err
}

func loadRestoreExhaustedScenario(ctx context.Context, h *Handler) error {
	if err := loadExhaustScenario(ctx, h); err != nil {
		return err
	}
	_, err := h.transitionOrder(ctx, "order-2001", coupon.OrderCancelledStatus)
	return err
}

// loadConcurrentOrdersScenario records both orders before either completes,
// so each carries a 40 discount computed against the full 50 balance.
func loadConcurrentOrdersScenario(ctx context.Context, h *Handler) error {
	if err := h.issue(ctx, factory.GiftCardJSON("SHARED-50", "50")); err != nil {
		return err
	}
	refs := []coupon.OrderRef{"order-3001", "order-3002"}
	for _, ref := range refs {
		if err := h.recordOrder(ctx, ref, "shared-50", "40"); err != nil {
			return err
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, ref := range refs {
		wg.Add(1)
		go func(ref coupon.OrderRef) {
			defer wg.Done()
			_, err := h.transitionOrder(ctx, ref, coupon.OrderCompletedStatus)
			// A refused debit is one of the two expected outcomes.
			if err != nil && !errors.Is(err, generic.ErrInsufficientBalance) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(ref)
	}
	wg.Wait()
	return errs
}

func loadCustomerWalletScenario(ctx context.Context, h *Handler) error {
	const email = "ana@example.com"
	future := time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")
	past := time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")

	for _, def := range []string{
		factory.StoreCreditJSON("ANA-REFUND", "45.90", email, future),
		factory.StoreCreditJSON("ANA-OLD", "20", email, past),
		factory.StoreCreditJSON("ANA-BDAY", "15", email, future),
		factory.GiftCardJSON("OTHER-GIFT", "25"),
	} {
		if err := h.issue(ctx, def); err != nil {
			return err
		}
	}
	if _, err := h.checkout(ctx, "order-4001", "ana-refund", "12.40"); err != nil {
		return err
	}
	_, err := h.checkout(ctx, "order-4002", "ana-bday", "80")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) issue(ctx context.Context, jsonStr string) error {
	def, err := h.Factory.ParseDefinition(jsonStr)
	if err != nil {
		return err
	}
	_, err = h.Service.Issue(ctx, def)
	return err
}

// checkout computes the discount the storefront would apply to subtotal,
// records the order and completes it.
func (h *Handler) checkout(ctx context.Context, ref coupon.OrderRef, code, subtotal string) (coupon.Report, error) {
	total, err := generic.ParseAmount(subtotal)
	if err != nil {
		return coupon.Report{}, err
	}
	discount, err := h.Service.ComputeDiscount(ctx, code, total)
	if err != nil {
		return coupon.Report{}, err
	}
	if err := h.recordOrder(ctx, ref, code, discount.String()); err != nil {
		return coupon.Report{}, err
	}
	return h.transitionOrder(ctx, ref, coupon.OrderCompletedStatus)
}

func (h *Handler) recordOrder(ctx context.Context, ref coupon.OrderRef, code, discount string) error {
	amount, err := generic.ParseAmount(discount)
	if err != nil {
		return err
	}
	return h.Store.SaveOrder(ctx, coupon.Order{
		Ref:     ref,
		Coupons: []coupon.OrderCouponLine{{Code: coupon.Code(code), Discount: amount}},
	})
}
