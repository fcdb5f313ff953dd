/*
handlers.go - HTTP API handlers for the balance coupon ledger

PURPOSE:
  Exposes the ledger to the storefront, the POS and the admin dashboard.
  Handles HTTP request/response, JSON serialization, and delegates to the
  coupon package. Order and cart events go through the event bus so the
  HTTP layer never calls the engine or the guards directly.

ENDPOINTS:
  Instruments (admin):
    GET    /api/instruments                 List (status, sort, order, email, q)
    POST   /api/instruments                 Issue a coupon
    GET    /api/instruments/{code}          Detail with status
    PATCH  /api/instruments/{code}          Amend expiry, email, unused balance
    GET    /api/instruments/{code}/history  Usage history, most recent first

  Storefront:
    GET    /api/balance/{code}              Balance check (widget, POS)
    POST   /api/discounts                   Discount for a code and order total
    POST   /api/orders                      Record an order's coupon lines
    POST   /api/orders/{ref}/events         completed | cancelled | refunded
    POST   /api/cart/events                 Run the cart checkpoints
    GET    /api/customers/{email}/instruments  "My account" listing

  Admin:
    POST   /api/admin/audit                 Re-derive balances from history

REQUEST FLOW:
  1. Decode strictly (unknown fields rejected)
  2. Validate struct tags
  3. Call the service or dispatch an event
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Coupon or order not found, feature disabled
  - 409: Duplicate code, concurrent modification, locked initial balance
  - 422: Insufficient balance (strict settlement mode)
  - 500: Persistence and internal errors

SECURITY NOTE:
  No authentication. The admin routes must sit behind the storefront's
  admin gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/factory"
	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: instruments plus the storefront's
// order snapshots.
type Store interface {
	coupon.Store
	coupon.OrderSource
	SaveOrder(ctx context.Context, order coupon.Order) error
	GetOrder(ctx context.Context, ref coupon.OrderRef) (coupon.Order, error)
	SetOrderStatus(ctx context.Context, ref coupon.OrderRef, status coupon.OrderStatus) error
	Reset(ctx context.Context) error
}

// HandlerDeps are the collaborators of Handler.
type HandlerDeps struct {
	Store    Store
	Service  *coupon.Service
	Bus      *coupon.Bus
	Guards   *coupon.Guards
	Auditor  *AuditScheduler
	Features config.FeatureFlags
	Log      *logger.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Service *coupon.Service
	Bus     *coupon.Bus
	Factory *factory.InstrumentFactory

	guards   *coupon.Guards
	auditor  *AuditScheduler
	features config.FeatureFlags
	log      *logger.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(deps HandlerDeps) *Handler {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Store:    deps.Store,
		Service:  deps.Service,
		Bus:      deps.Bus,
		Factory:  factory.NewInstrumentFactory(),
		guards:   deps.Guards,
		auditor:  deps.Auditor,
		features: deps.Features,
		log:      log,
	}
}

// =============================================================================
// INSTRUMENT HANDLERS
// =============================================================================

// ListInstruments returns the admin listing.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := coupon.ListQuery{
		CustomerEmail: q.Get("email"),
		Search:        q.Get("q"),
		SortBy:        coupon.ParseSortField(q.Get("sort")),
		Desc:          strings.EqualFold(q.Get("order"), "desc"),
	}
	if raw := q.Get("status"); raw != "" && raw != "all" {
		query.Status = coupon.ParseStatus(raw)
		if query.Status == "" {
			writeError(w, http.StatusBadRequest, "Invalid status (use active, exhausted or expired)", nil)
			return
		}
	}

	listed, err := h.Service.List(r.Context(), query)
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to list coupons", err)
		return
	}

	dtos := make([]InstrumentDTO, 0, len(listed))
	for _, l := range listed {
		dtos = append(dtos, toInstrumentDTO(l.Instrument, l.Status))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// IssueInstrument creates a coupon from its JSON definition.
func (h *Handler) IssueInstrument(w http.ResponseWriter, r *http.Request) {
	var req factory.InstrumentJSON
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	def, err := h.Factory.FromJSON(req)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	issued, err := h.Service.Issue(r.Context(), def)
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to issue coupon", err)
		return
	}
	inst, status, err := h.Service.Get(r.Context(), string(issued.Code))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to get coupon", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstrumentDTO(inst, status))
}

// GetInstrument returns a single coupon with its status.
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, status, err := h.Service.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to get coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst, status))
}

// AmendInstrument edits a coupon definition.
func (h *Handler) AmendInstrument(w http.ResponseWriter, r *http.Request) {
	var req AmendInstrumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	var a coupon.Amendment
	if req.InitialBalance != nil {
		amount, err := generic.ParseAmount(*req.InitialBalance)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid initial_balance", err)
			return
		}
		a.InitialBalance = &amount
	}
	if req.ExpiresAt != nil {
		t, err := factory.ParseExpiry(*req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
		a.ExpiresAt = &t
	}
	a.ClearExpiry = req.ClearExpiry
	a.CustomerEmail = req.CustomerEmail

	amended, err := h.Service.Amend(r.Context(), chi.URLParam(r, "code"), a)
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to amend coupon", err)
		return
	}
	inst, status, err := h.Service.Get(r.Context(), string(amended.Code))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to get coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstrumentDTO(inst, status))
}

// GetHistory returns a coupon's usage history, most recent first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Service.UsageHistory(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to get usage history", err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageRecordDTOs(history))
}

// =============================================================================
// STOREFRONT HANDLERS
// =============================================================================

// CheckBalance answers the balance checker widget and the POS.
// Unknown codes are a normal answer, not a 404.
func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	if !h.features.BalanceChecker {
		writeError(w, http.StatusNotFound, "Balance checker is disabled", nil)
		return
	}

	check, err := h.Service.CheckBalance(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to check balance", err)
		return
	}

	dto := BalanceCheckDTO{
		Code:      string(check.Code),
		Status:    string(check.Status),
		Balance:   check.Balance.String(),
		ExpiresAt: formatTimePtr(check.ExpiresAt),
		Message:   check.Message,
	}
	if check.Status != coupon.StatusNotFound {
		dto.InitialBalance = check.InitialBalance.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// ComputeDiscount returns the discount a code grants on an order total.
func (h *Handler) ComputeDiscount(w http.ResponseWriter, r *http.Request) {
	var req ComputeDiscountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	total, err := generic.ParseAmount(req.OrderTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	discount, err := h.Service.ComputeDiscount(r.Context(), req.Code, total)
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to compute discount", err)
		return
	}
	writeJSON(w, http.StatusOK, DiscountDTO{
		Code:       string(coupon.NormalizeCode(req.Code)),
		OrderTotal: total.String(),
		Discount:   discount.String(),
	})
}

// RecordOrder stores the storefront's snapshot of an order's coupon lines.
// Settlement reads the discount from this snapshot, never recomputes it.
func (h *Handler) RecordOrder(w http.ResponseWriter, r *http.Request) {
	var req RecordOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	order := coupon.Order{Ref: coupon.OrderRef(req.Ref), Status: coupon.OrderStatus(req.Status)}
	for _, l := range req.Coupons {
		discount, err := generic.ParseAmount(l.Discount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid coupon discount", err)
			return
		}
		order.Coupons = append(order.Coupons, coupon.OrderCouponLine{Code: coupon.Code(l.Code), Discount: discount})
	}

	if err := h.Store.SaveOrder(r.Context(), order); err != nil {
		h.writeDomainError(r.Context(), w, "Failed to record order", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ref": order.Ref, "coupons": len(order.Coupons)})
}

// OrderEvent reports an order transition and returns the ledger outcome.
func (h *Handler) OrderEvent(w http.ResponseWriter, r *http.Request) {
	var req OrderEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	status, err := coupon.ParseOrderStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}
	ref := coupon.OrderRef(chi.URLParam(r, "ref"))

	report, err := h.transitionOrder(r.Context(), ref, status)
	resp := OrderEventResponse{
		Order:   string(ref),
		Status:  string(status),
		Applied: report.Applied(),
		Lines:   toLineResultDTOs(report.Lines),
	}
	if err != nil {
		if generic.IsNotFound(err) && len(report.Lines) == 0 {
			writeError(w, http.StatusNotFound, "Order not found", err)
			return
		}
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// transitionOrder records the status and dispatches the matching event.
func (h *Handler) transitionOrder(ctx context.Context, ref coupon.OrderRef, status coupon.OrderStatus) (coupon.Report, error) {
	ctx = h.log.WithOrderRef(ctx, string(ref))
	if err := h.Store.SetOrderStatus(ctx, ref, status); err != nil {
		return coupon.Report{Order: ref}, err
	}

	report := coupon.Report{Order: ref}
	ev, err := coupon.NewOrderEvent(status, ref, &report)
	if err != nil {
		return report, fmt.Errorf("%w: %v", generic.ErrInvalidArgument, err)
	}
	return report, h.Bus.Dispatch(ctx, ev)
}

// CartEvent runs the cart checkpoints on the cart described by the request.
func (h *Handler) CartEvent(w http.ResponseWriter, r *http.Request) {
	var req CartEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	cart := newRequestCart(req.AppliedCodes, req.Subtotal)
	notices := &noticeCollector{}

	var ev coupon.Event
	switch req.Event {
	case CartEventMutated:
		ev = coupon.CartMutated{Cart: cart, Notifier: notices}
	case CartEventInstrumentApplied:
		code := coupon.NormalizeCode(req.Code)
		cart.add(code)
		ev = coupon.InstrumentApplied{Code: code, Cart: cart, Notifier: notices}
	case CartEventCheckoutReviewed:
		ev = coupon.CheckoutReviewed{Cart: cart, Notifier: notices}
	default:
		writeError(w, http.StatusBadRequest, "Unknown cart event", fmt.Errorf("event %q", req.Event))
		return
	}

	if err := h.Bus.Dispatch(r.Context(), ev); err != nil {
		h.writeDomainError(r.Context(), w, "Cart checkpoint failed", err)
		return
	}

	resp := CartEventResponse{
		AppliedCodes: codeStrings(cart.AppliedCodes()),
		Removed:      codeStrings(cart.removed),
		Notices:      notices.notices,
	}
	if h.features.CartDisplay && h.guards != nil {
		for _, line := range h.guards.CartBalances(r.Context(), cart) {
			resp.Balances = append(resp.Balances, CartBalanceDTO{
				Code:      string(line.Code),
				Balance:   line.Balance.String(),
				Status:    string(line.Status),
				ExpiresAt: formatTimePtr(line.ExpiresAt),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CustomerInstruments lists a customer's active coupons.
func (h *Handler) CustomerInstruments(w http.ResponseWriter, r *http.Request) {
	listed, err := h.Service.CustomerInstruments(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		h.writeDomainError(r.Context(), w, "Failed to list customer coupons", err)
		return
	}
	dtos := make([]InstrumentDTO, 0, len(listed))
	for _, l := range listed {
		dtos = append(dtos, toInstrumentDTO(l.Instrument, l.Status))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunAudit re-derives every balance from history now.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var (
		report AuditReport
		err    error
	)
	if h.auditor != nil {
		report, err = h.auditor.RunOnce(r.Context())
	} else {
		report, err = runAudit(r.Context(), h.Service)
	}
	if err != nil {
		h.writeDomainError(r.Context(), w, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report.DTO())
}

// ResetDatabase clears all data (for demo/testing).
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// CART ADAPTERS
// =============================================================================

// requestCart adapts the request body to coupon.Cart.
type requestCart struct {
	codes    []coupon.Code
	subtotal generic.Amount
	removed  []coupon.Code
}

func newRequestCart(codes []string, subtotal string) *requestCart {
	c := &requestCart{subtotal: generic.ZeroAmount()}
	if subtotal != "" {
		if a, err := generic.ParseAmount(subtotal); err == nil {
			c.subtotal = a
		}
	}
	for _, raw := range codes {
		if code := coupon.NormalizeCode(raw); code != "" {
			c.add(code)
		}
	}
	return c
}

func (c *requestCart) add(code coupon.Code) {
	for _, existing := range c.codes {
		if existing == code {
			return
		}
	}
	c.codes = append(c.codes, code)
}

func (c *requestCart) AppliedCodes() []coupon.Code {
	return append([]coupon.Code(nil), c.codes...)
}

func (c *requestCart) Subtotal() generic.Amount { return c.subtotal }

func (c *requestCart) RemoveCode(code coupon.Code) {
	for i, existing := range c.codes {
		if existing == code {
			c.codes = append(c.codes[:i], c.codes[i+1:]...)
			c.removed = append(c.removed, code)
			return
		}
	}
}

type noticeCollector struct {
	notices []NoticeDTO
}

func (n *noticeCollector) AddNotice(message string, severity coupon.Severity) {
	n.notices = append(n.notices, NoticeDTO{Message: message, Severity: string(severity)})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON decodes the body strictly and validates struct tags.
func decodeJSON(r *http.Request, dest any) error {
	defer func() {
		io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", generic.ErrInvalidArgument, err)
	}
	return factory.Validate(dest)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var ve *factory.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: ve.Fields})
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrDuplicateCode),
		errors.Is(err, generic.ErrInitialBalanceLocked),
		generic.IsRetryable(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(ctx, message, err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
