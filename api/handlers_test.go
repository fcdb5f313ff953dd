/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Coupon issuance, detail, amendment and listing
- Order lifecycle events driving the ledger through the bus
- Cart checkpoints, balance checker and discount computation
- Error mapping and strict request decoding
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/lock"
	"github.com/warp/coupon-ledger/metrics"
	"github.com/warp/coupon-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testEnv struct {
	handler  *Handler
	router   *chi.Mux
	store    *sqlite.Store
	registry *prometheus.Registry
}

type envOption func(*envConfig)

type envConfig struct {
	features config.FeatureFlags
	engine   coupon.EngineOptions
}

func withFeatures(f config.FeatureFlags) envOption {
	return func(c *envConfig) { c.features = f }
}

func withRejectInsufficient() envOption {
	return func(c *envConfig) { c.engine.RejectInsufficient = true }
}

func setupTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		features: config.FeatureFlags{BalanceCoupons: true, CartDisplay: true, BalanceChecker: true},
		engine:   coupon.DefaultEngineOptions(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	clock := generic.SystemClock{}
	engine, err := coupon.NewEngine(coupon.EngineDeps{
		Store:    store,
		Orders:   store,
		Locker:   lock.NewKeyed(time.Second),
		Clock:    clock,
		Observer: metrics.NewLedgerMetrics(reg),
	}, cfg.engine)
	require.NoError(t, err)

	guards := coupon.NewGuards(store, clock, nil)
	bus := coupon.NewBus(nil)
	if cfg.features.BalanceCoupons {
		coupon.Register(bus, engine, guards)
	}
	service := coupon.NewService(store, engine, clock)

	h := NewHandler(HandlerDeps{
		Store:    store,
		Service:  service,
		Bus:      bus,
		Guards:   guards,
		Auditor:  NewAuditScheduler(service, metrics.NewAuditMetrics(reg), nil),
		Features: cfg.features,
	})
	router := NewRouter(h, RouterOptions{HTTPMetrics: metrics.NewHTTPMetrics(reg), Gatherer: reg})
	return &testEnv{handler: h, router: router, store: store, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (e *testEnv) issue(t *testing.T, code, amount string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/instruments", map[string]any{"code": code, "initial_balance": amount})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) order(t *testing.T, ref, code, discount string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/orders", RecordOrderRequest{
		Ref:     ref,
		Coupons: []OrderCouponLineRequest{{Code: code, Discount: discount}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) transition(t *testing.T, ref, status string) (int, OrderEventResponse) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/orders/"+ref+"/events", OrderEventRequest{Status: status})
	if rec.Code == http.StatusNotFound {
		return rec.Code, OrderEventResponse{}
	}
	return rec.Code, decode[OrderEventResponse](t, rec)
}

func (e *testEnv) instrument(t *testing.T, code string) InstrumentDTO {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/instruments/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[InstrumentDTO](t, rec)
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func TestIssueAndGetInstrument(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/instruments", map[string]any{
		"code":            "GIFT-100",
		"initial_balance": "100",
		"expires_at":      "2099-01-01",
		"customer_email":  "Ana@Example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[InstrumentDTO](t, rec)
	assert.Equal(t, "gift-100", created.Code)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, "100.00", created.CurrentBalance)
	assert.Equal(t, "ana@example.com", created.CustomerEmail)
	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, "2099-01-01T00:00:00Z", *created.ExpiresAt)

	got := env.instrument(t, "GIFT-100")
	assert.Equal(t, created.Code, got.Code)
	assert.Equal(t, int64(1), got.Version)
}

func TestIssueInstrument_Errors(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "10")

	t.Run("duplicate code", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/instruments", map[string]any{"code": "GIFT", "initial_balance": "5"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("validation fields", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/instruments", map[string]any{"code": "x", "customer_email": "nope"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Contains(t, resp.Fields, "initial_balance")
		assert.Contains(t, resp.Fields, "customer_email")
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/instruments", `{"code":"y","initial_balance":"5","bogus":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetInstrument_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/instruments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAmendInstrument(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "50")

	// GIVEN: an unused coupon, the initial balance can change
	rec := env.do(t, http.MethodPatch, "/api/instruments/gift", map[string]any{"initial_balance": "70"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "70.00", decode[InstrumentDTO](t, rec).CurrentBalance)

	// WHEN: the coupon has been used
	env.order(t, "o1", "gift", "10")
	code, _ := env.transition(t, "o1", "completed")
	require.Equal(t, http.StatusOK, code)

	// THEN: the initial balance is locked but the expiry is editable
	rec = env.do(t, http.MethodPatch, "/api/instruments/gift", map[string]any{"initial_balance": "20"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/instruments/gift", map[string]any{"expires_at": "2000-01-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "expired", decode[InstrumentDTO](t, rec).Status)

	rec = env.do(t, http.MethodPatch, "/api/instruments/gift", map[string]any{"clear_expiry": true})
	require.Equal(t, http.StatusOK, rec.Code)
	amended := decode[InstrumentDTO](t, rec)
	assert.Equal(t, "active", amended.Status)
	assert.Nil(t, amended.ExpiresAt)
	assert.Equal(t, "60.00", amended.CurrentBalance)
}

func TestListInstruments(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "a", "10")
	env.issue(t, "b", "30")
	env.issue(t, "c", "20")
	env.order(t, "o1", "c", "20")
	env.transition(t, "o1", "completed")

	rec := env.do(t, http.MethodGet, "/api/instruments?sort=current_balance&order=desc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]InstrumentDTO](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{list[0].Code, list[1].Code, list[2].Code})

	rec = env.do(t, http.MethodGet, "/api/instruments?status=exhausted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[[]InstrumentDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].Code)
	assert.Equal(t, 1, list[0].UsageCount)

	rec = env.do(t, http.MethodGet, "/api/instruments?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ORDER LIFECYCLE
// =============================================================================

func TestOrderLifecycle_SettleAndRefund(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "100")
	env.order(t, "o1", "gift", "60")

	// GIVEN: a completed order
	code, resp := env.transition(t, "o1", "completed")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, "applied", resp.Lines[0].Outcome)
	assert.Equal(t, "40.00", resp.Lines[0].Balance)

	// WHEN: the completion is delivered again
	code, resp = env.transition(t, "o1", "completed")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", resp.Lines[0].Outcome)
	assert.Equal(t, "40.00", env.instrument(t, "gift").CurrentBalance)

	rec := env.do(t, http.MethodGet, "/api/instruments/gift/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]UsageRecordDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "o1", history[0].OrderRef)
	assert.Equal(t, "60.00", history[0].AmountUsed)

	// THEN: a refund restores the balance and empties the history
	code, resp = env.transition(t, "o1", "refunded")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100.00", resp.Lines[0].Balance)
	assert.Equal(t, "100.00", env.instrument(t, "gift").CurrentBalance)
	assert.Equal(t, 0, env.instrument(t, "gift").UsageCount)
}

func TestOrderEvent_Errors(t *testing.T) {
	env := setupTestEnv(t)

	code, _ := env.transition(t, "missing", "completed")
	assert.Equal(t, http.StatusNotFound, code)

	env.order(t, "o1", "gift", "10")
	rec := env.do(t, http.MethodPost, "/api/orders/o1/events", OrderEventRequest{Status: "processing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderEvent_RejectInsufficient(t *testing.T) {
	env := setupTestEnv(t, withRejectInsufficient())
	env.issue(t, "gift", "30")
	env.order(t, "o1", "gift", "50")

	code, resp := env.transition(t, "o1", "completed")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, "rejected", resp.Lines[0].Outcome)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, "30.00", env.instrument(t, "gift").CurrentBalance)
}

func TestOrderEvent_FeatureDisabled(t *testing.T) {
	env := setupTestEnv(t, withFeatures(config.FeatureFlags{}))
	env.issue(t, "gift", "100")
	env.order(t, "o1", "gift", "60")

	code, resp := env.transition(t, "o1", "completed")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp.Lines)
	assert.Equal(t, "100.00", env.instrument(t, "gift").CurrentBalance)
}

// =============================================================================
// STOREFRONT
// =============================================================================

func TestCheckBalance(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "80")

	rec := env.do(t, http.MethodGet, "/api/balance/GIFT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := decode[BalanceCheckDTO](t, rec)
	assert.Equal(t, "active", check.Status)
	assert.Equal(t, "80.00", check.Balance)
	assert.Contains(t, check.Message, "80.00")

	rec = env.do(t, http.MethodGet, "/api/balance/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check = decode[BalanceCheckDTO](t, rec)
	assert.Equal(t, "not_found", check.Status)
	assert.Empty(t, check.InitialBalance)

	disabled := setupTestEnv(t, withFeatures(config.FeatureFlags{BalanceCoupons: true}))
	rec = disabled.do(t, http.MethodGet, "/api/balance/gift", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestComputeDiscount(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "30")

	rec := env.do(t, http.MethodPost, "/api/discounts", ComputeDiscountRequest{Code: "Gift", OrderTotal: "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[DiscountDTO](t, rec)
	assert.Equal(t, "gift", dto.Code)
	assert.Equal(t, "30.00", dto.Discount)

	rec = env.do(t, http.MethodPost, "/api/discounts", ComputeDiscountRequest{Code: "gift", OrderTotal: "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartEvent_RemovesExhausted(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "used", "30")
	env.issue(t, "fresh", "25")
	env.order(t, "o1", "used", "30")
	env.transition(t, "o1", "completed")

	// GIVEN: a cart holding an exhausted and an active coupon
	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{
		Event:        "cart_mutated",
		AppliedCodes: []string{"USED", "fresh"},
		Subtotal:     "90",
	})

	// THEN: the exhausted one is removed with an error notice
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Equal(t, []string{"fresh"}, resp.AppliedCodes)
	assert.Equal(t, []string{"used"}, resp.Removed)
	require.Len(t, resp.Notices, 1)
	assert.Equal(t, "error", resp.Notices[0].Severity)
	require.Len(t, resp.Balances, 1)
	assert.Equal(t, "25.00", resp.Balances[0].Balance)
}

func TestCartEvent_ApplyRefused(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "used", "30")
	env.order(t, "o1", "used", "30")
	env.transition(t, "o1", "completed")

	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{Event: "instrument_applied", Code: "used"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Empty(t, resp.AppliedCodes)
	assert.Equal(t, []string{"used"}, resp.Removed)
	assert.NotEmpty(t, resp.Notices)

	rec = env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{Event: "instrument_applied"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (e *testEnv) issueExpired(t *testing.T, code, amount string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/instruments", map[string]any{
		"code":            code,
		"initial_balance": amount,
		"expires_at":      "2000-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCartEvent_ApplyExpiredRefused(t *testing.T) {
	env := setupTestEnv(t)
	env.issueExpired(t, "old", "10")
	env.issue(t, "fresh", "25")

	// GIVEN: a cart with an active coupon
	// WHEN: the shopper applies an expired coupon that still has balance
	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{
		Event:        "instrument_applied",
		Code:         "OLD",
		AppliedCodes: []string{"fresh"},
	})

	// THEN: it is refused with an error notice and the cart keeps the other one
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Equal(t, []string{"fresh"}, resp.AppliedCodes)
	assert.Equal(t, []string{"old"}, resp.Removed)
	require.Len(t, resp.Notices, 1)
	assert.Equal(t, "error", resp.Notices[0].Severity)
	assert.Contains(t, resp.Notices[0].Message, "expired")
}

func TestCartEvent_ApplyActiveAccepted(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "fresh", "25")

	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{Event: "instrument_applied", Code: "Fresh"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Equal(t, []string{"fresh"}, resp.AppliedCodes)
	assert.Empty(t, resp.Removed)
	assert.Empty(t, resp.Notices)
}

func TestCartEvent_MutatedKeepsExpiredWithBalance(t *testing.T) {
	env := setupTestEnv(t)
	env.issueExpired(t, "old", "10")
	env.issue(t, "used", "30")
	env.order(t, "o1", "used", "30")
	env.transition(t, "o1", "completed")

	// GIVEN: a cart holding an expired-but-funded and an exhausted coupon
	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{
		Event:        "cart_mutated",
		AppliedCodes: []string{"old", "used"},
	})

	// THEN: only the exhausted one is removed, with the cart wording
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Equal(t, []string{"old"}, resp.AppliedCodes)
	assert.Equal(t, []string{"used"}, resp.Removed)
	require.Len(t, resp.Notices, 1)
	assert.Contains(t, resp.Notices[0].Message, "removed from your cart")
}

func TestCartEvent_CheckoutReviewed(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "used", "30")
	env.order(t, "o1", "used", "30")
	env.transition(t, "o1", "completed")

	rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{
		Event:        "checkout_reviewed",
		AppliedCodes: []string{"used"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CartEventResponse](t, rec)
	assert.Equal(t, []string{"used"}, resp.Removed)
	require.Len(t, resp.Notices, 1)
	assert.Contains(t, resp.Notices[0].Message, "removed from your order")
}

func TestCartEvent_UnknownEvent(t *testing.T) {
	env := setupTestEnv(t)

	for _, name := range []string{"cart.mutated", "bogus"} {
		rec := env.do(t, http.MethodPost, "/api/cart/events", CartEventRequest{Event: name})
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestCustomerInstruments(t *testing.T) {
	env := setupTestEnv(t)
	for _, body := range []map[string]any{
		{"code": "mine", "initial_balance": "10", "customer_email": "ana@example.com"},
		{"code": "old", "initial_balance": "10", "customer_email": "ana@example.com", "expires_at": "2000-01-01"},
		{"code": "theirs", "initial_balance": "10", "customer_email": "bo@example.com"},
	} {
		rec := env.do(t, http.MethodPost, "/api/instruments", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/api/customers/ana@example.com/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]InstrumentDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Code)
}

// =============================================================================
// ADMIN AND AMBIENT
// =============================================================================

func TestRunAudit(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "50")
	env.order(t, "o1", "gift", "20")
	env.transition(t, "o1", "completed")
	require.NoError(t, env.store.Create(context.Background(), coupon.Instrument{
		Code:           "tampered",
		InitialBalance: generic.MustAmount("50"),
		CurrentBalance: generic.MustAmount("45"),
	}))

	rec := env.do(t, http.MethodPost, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[AuditReportDTO](t, rec)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "tampered", report.Drifts[0].Code)
	assert.Equal(t, "50.00", report.Drifts[0].Derived)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	env.issue(t, "gift", "10")

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "coupon_ledger_http_requests_total"), body)
	assert.Contains(t, body, `route="/api/instruments`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{generic.ErrInstrumentNotFound, http.StatusNotFound},
		{generic.ErrOrderNotFound, http.StatusNotFound},
		{generic.ErrDuplicateCode, http.StatusConflict},
		{generic.ErrConcurrentModification, http.StatusConflict},
		{generic.ErrLockTimeout, http.StatusConflict},
		{generic.ErrInitialBalanceLocked, http.StatusConflict},
		{generic.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{generic.ErrInvalidArgument, http.StatusBadRequest},
		{generic.Persistence("save", "x", assert.AnError), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
