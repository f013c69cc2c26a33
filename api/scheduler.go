/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically runs the layaway audit (plan invariants, payment vs
  reference-claim cross-check) and logs what it finds. The same audit can
  be triggered on demand through POST /api/admin/audit.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the most recent report for the admin endpoint

USAGE:
  scheduler := NewAuditScheduler(engine, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - layaway/audit.go: The audit itself
  - handlers.go: TriggerAudit endpoint
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ariyofashion/layaway/layaway"
)

// AuditScheduler runs the ledger audit on a ticker.
type AuditScheduler struct {
	Engine        *layaway.Engine
	CheckInterval time.Duration
	Enabled       bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *layaway.AuditReport
}

// NewAuditScheduler creates a scheduler with a one hour interval.
func NewAuditScheduler(engine *layaway.Engine, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Engine:        engine,
		CheckInterval: time.Hour,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.logger.Info("audit scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("audit scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for a running audit to finish.
// The scheduler may be started again afterwards.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	s.wg.Wait()
	s.logger.Info("audit scheduler stopped")
}

// Last returns the most recent report, or nil before the first run.
func (s *AuditScheduler) Last() *layaway.AuditReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// run owns ticker and stop for its lifetime; Stop clears the fields but
// never the values passed in here.
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

// RunOnce audits the ledger now and records the report.
func (s *AuditScheduler) RunOnce(ctx context.Context) (*layaway.AuditReport, error) {
	report, err := s.Engine.Audit(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "audit failed", "error", err)
		return nil, err
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	for _, f := range report.Findings {
		s.logger.WarnContext(ctx, "audit finding", "plan_id", f.PlanID, "payment_ref", f.PaymentRef, "problem", f.Problem)
	}
	s.logger.InfoContext(ctx, "audit completed", "plans", report.Plans, "claims", report.Claims, "findings", len(report.Findings))
	return report, nil
}
