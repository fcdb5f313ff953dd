// Package metrics exports Prometheus collectors for the coupon ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

const namespace = "coupon_ledger"

// LedgerMetrics implements coupon.Observer.
type LedgerMetrics struct {
	settle    *prometheus.CounterVec
	reverse   *prometheus.CounterVec
	conflicts prometheus.Counter
	shortfall prometheus.Counter
	duration  *prometheus.HistogramVec
}

var _ coupon.Observer = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
// A nil registerer yields a no-op value.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		settle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settle_lines_total",
			Help:      "Coupon lines processed on order completion, by outcome.",
		}, []string{"outcome"}),
		reverse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverse_lines_total",
			Help:      "Coupon lines processed on cancellation or refund, by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Concurrent modifications detected and retried.",
		}),
		shortfall: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortfall_amount_total",
			Help:      "Discount granted beyond the remaining balance, in store currency.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(m.settle, m.reverse, m.conflicts, m.shortfall, m.duration)
	return m
}

func (m *LedgerMetrics) ObserveSettle(outcome coupon.Outcome) {
	if m == nil || m.settle == nil {
		return
	}
	m.settle.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

func (m *LedgerMetrics) ObserveReverse(outcome coupon.Outcome) {
	if m == nil || m.reverse == nil {
		return
	}
	m.reverse.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

func (m *LedgerMetrics) ObserveConflict() {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *LedgerMetrics) ObserveShortfall(amount generic.Amount) {
	if m == nil || m.shortfall == nil || !amount.IsPositive() {
		return
	}
	m.shortfall.Add(amount.Float64())
}

func (m *LedgerMetrics) ObserveDuration(op string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(op)).Observe(d.Seconds())
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditMetrics records the outcome of the balance audit job.
type AuditMetrics struct {
	drift    prometheus.Gauge
	checked  prometheus.Gauge
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewAuditMetrics(reg prometheus.Registerer) *AuditMetrics {
	if reg == nil {
		return &AuditMetrics{}
	}
	m := &AuditMetrics{
		drift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_drift",
			Help:      "Instruments whose stored balance differs from the one derived from history.",
		}),
		checked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_checked",
			Help:      "Instruments inspected by the last audit run.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Audit runs, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_duration_seconds",
			Help:      "Duration of audit runs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.drift, m.checked, m.runs, m.duration)
	return m
}

// ObserveRun records one audit run. err != nil leaves the gauges untouched.
func (m *AuditMetrics) ObserveRun(drift, checked int, d time.Duration, err error) {
	if m == nil || m.runs == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	m.drift.Set(float64(drift))
	m.checked.Set(float64(checked))
}

func normalizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
