/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog), request id in context
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters by route pattern
  5. CORS:       Cross-origin requests for the storefront and dashboard

ROUTE GROUPS:
  /api/instruments/*    Coupon administration
  /api/balance/*        Balance checker / POS
  /api/discounts        Discount computation
  /api/orders/*         Order snapshots and lifecycle events
  /api/cart/*           Cart checkpoints
  /api/customers/*      "My account" listing
  /api/admin/*          Audit
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/coupon-ledger/logger"
	"github.com/warp/coupon-ledger/metrics"
)

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Log            *logger.Logger
	HTTPMetrics    *metrics.HTTPMetrics

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(opts.HTTPMetrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Coupon administration
		r.Route("/instruments", func(r chi.Router) {
			r.Get("/", h.ListInstruments)
			r.Post("/", h.IssueInstrument)
			r.Get("/{code}", h.GetInstrument)
			r.Patch("/{code}", h.AmendInstrument)
			r.Get("/{code}/history", h.GetHistory)
		})

		// Storefront and POS
		r.Get("/balance/{code}", h.CheckBalance)
		r.Post("/discounts", h.ComputeDiscount)
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.RecordOrder)
			r.Post("/{ref}/events", h.OrderEvent)
		})
		r.Post("/cart/events", h.CartEvent)
		r.Get("/customers/{email}/instruments", h.CustomerInstruments)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.RunAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one entry per request and puts the chi request id on
// the context logger so ledger entries carry it.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if id := middleware.GetReqID(ctx); id != "" {
				ctx = log.WithRequestID(ctx, id)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if status >= http.StatusInternalServerError {
				log.Warnf(ctx, "http request failed", fields)
				return
			}
			log.Infof(ctx, "http request", fields)
		})
	}
}
