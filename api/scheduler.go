/*
scheduler.go - Background reconciliation

PURPOSE:
  Periodically runs fleet.Service.Reconcile so that cached car and employee
  fields are checked against the posting log and customers left pending by
  a failed recomputation are retried.

DESIGN:
  - One background goroutine with a configurable interval
  - Runs once immediately on Start
  - Manual runs (POST /api/admin/reconcile) go through RunOnce and share
    the same mutex, so two passes never overlap
  - The last runs are kept in memory for GET /api/admin/reconcile/runs

USAGE:
  scheduler := NewReconciliationScheduler(svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - fleet/reconcile.go: The reconciliation pass itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/fleet"
)

const maxRuns = 20

// ReconcileRun records one pass.
type ReconcileRun struct {
	ID         string                `json:"id"`
	Trigger    string                `json:"trigger"`
	StartedAt  time.Time             `json:"started_at"`
	DurationMS int64                 `json:"duration_ms"`
	Report     fleet.ReconcileReport `json:"report"`
	Error      string                `json:"error,omitempty"`
}

// ReconciliationScheduler runs reconciliation on a ticker.
type ReconciliationScheduler struct {
	Service       *fleet.Service
	Log           *logrus.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // guards ticker and stop

	passMu sync.Mutex // serializes passes

	runsMu sync.Mutex // guards runs
	runs   []ReconcileRun
}

// NewReconciliationScheduler creates a scheduler running every five minutes.
func NewReconciliationScheduler(svc *fleet.Service, log *logrus.Logger) *ReconciliationScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Service:       svc,
		Log:           log,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Log.WithField("module", "scheduler").Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Log.WithFields(logrus.Fields{"module": "scheduler", "interval": rs.CheckInterval.String()}).Info("reconciliation scheduler started")
}

// Stop stops the scheduler and waits for a pass in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Log.WithField("module", "scheduler").Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.pass(ctx, "scheduled")
	for {
		select {
		case <-ticker.C:
			rs.pass(ctx, "scheduled")
		case <-stop:
			return
		}
	}
}

// RunOnce runs a pass now, waiting for a scheduled pass to finish first.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) (fleet.ReconcileReport, error) {
	return rs.pass(ctx, "manual")
}

func (rs *ReconciliationScheduler) pass(ctx context.Context, trigger string) (fleet.ReconcileReport, error) {
	rs.passMu.Lock()
	defer rs.passMu.Unlock()

	start := time.Now()
	rep, err := rs.Service.Reconcile(ctx)
	run := ReconcileRun{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		StartedAt:  start,
		DurationMS: time.Since(start).Milliseconds(),
		Report:     rep,
	}
	fields := logrus.Fields{
		"module":  "scheduler",
		"trigger": trigger,
		"drifts":  len(rep.Drifts),
		"pending": len(rep.Pending),
	}
	if err != nil {
		run.Error = err.Error()
		rs.Log.WithFields(fields).WithError(err).Warn("reconciliation incomplete")
	} else if len(rep.Drifts) > 0 {
		rs.Log.WithFields(fields).Warn("reconciliation repaired drifted balances")
	}

	rs.record(run)
	return rep, err
}

func (rs *ReconciliationScheduler) record(run ReconcileRun) {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
}

// Runs returns the most recent passes, newest first. It does not wait for
// a pass in progress.
func (rs *ReconciliationScheduler) Runs() []ReconcileRun {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	out := make([]ReconcileRun, len(rs.runs))
	for i, r := range rs.runs {
		out[len(rs.runs)-1-i] = r
	}
	return out
}
