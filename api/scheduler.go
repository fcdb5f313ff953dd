/*
scheduler.go - Automated balance audit scheduler

PURPOSE:
  Periodically re-derives every coupon's balance from its usage history and
  reports instruments whose stored balance disagrees. The ledger keeps the
  two in step on every write; the audit catches out-of-band edits and
  storage faults.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Reports only: drift is logged and exported as a gauge, never repaired
  - The same run is reachable on demand via POST /api/admin/audit

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(service, auditMetrics, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual audit)
  - coupon/service.go: Service.Audit
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/logger"
	"github.com/warp/coupon-ledger/metrics"
)

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	Checked int
	Drifts  []coupon.Drift
	RanAt   time.Time
}

// DTO converts the report for the API.
func (r AuditReport) DTO() AuditReportDTO {
	dto := AuditReportDTO{
		Checked: r.Checked,
		Drifts:  make([]DriftDTO, 0, len(r.Drifts)),
		RanAt:   formatTime(r.RanAt),
	}
	for _, d := range r.Drifts {
		dto.Drifts = append(dto.Drifts, DriftDTO{
			Code:    string(d.Code),
			Stored:  d.Stored.String(),
			Derived: d.Derived.String(),
		})
	}
	return dto
}

func runAudit(ctx context.Context, service *coupon.Service) (AuditReport, error) {
	drifts, checked, err := service.Audit(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{Checked: checked, Drifts: drifts, RanAt: time.Now().UTC()}, nil
}

// AuditScheduler runs the balance audit on a ticker.
type AuditScheduler struct {
	Service  *coupon.Service
	Metrics  *metrics.AuditMetrics
	Interval time.Duration
	Enabled  bool

	log    *logger.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(service *coupon.Service, m *metrics.AuditMetrics, log *logger.Logger) *AuditScheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuditScheduler{
		Service:  service,
		Metrics:  m,
		Interval: time.Hour,
		Enabled:  true,
		log:      log,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info(context.Background(), "audit scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.log.Warnf(context.Background(), "audit scheduler not started, interval must be positive", map[string]any{"interval": s.Interval.String()})
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Infof(context.Background(), "audit scheduler started", map[string]any{"interval": s.Interval.String()})
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info(context.Background(), "audit scheduler stopped")
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce audits every instrument, logs drift and updates the metrics.
func (s *AuditScheduler) RunOnce(ctx context.Context) (AuditReport, error) {
	start := time.Now()
	report, err := runAudit(ctx, s.Service)
	s.Metrics.ObserveRun(len(report.Drifts), report.Checked, time.Since(start), err)
	if err != nil {
		s.log.Error(ctx, "balance audit failed", err)
		return report, err
	}

	for _, d := range report.Drifts {
		s.log.Warnf(s.log.WithCouponCode(ctx, string(d.Code)), "balance drift detected", map[string]any{
			"stored":  d.Stored.String(),
			"derived": d.Derived.String(),
		})
	}
	s.log.Infof(ctx, "balance audit completed", map[string]any{
		"checked": report.Checked,
		"drift":   len(report.Drifts),
	})
	return report, nil
}
