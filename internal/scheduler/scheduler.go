// Package scheduler drives the periodic maintenance jobs: monthly
// credit allocation for balances whose period ended and reconciliation
// of ledger entries rated from a stale price.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	allocationdomain "github.com/creditrail/creditrail/internal/allocation/domain"
	"github.com/creditrail/creditrail/internal/clock"
	ledgerdomain "github.com/creditrail/creditrail/internal/ledger/domain"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log           *zap.Logger
	AllocationSvc allocationdomain.Service
	LedgerSvc     ledgerdomain.Service
	Clock         clock.Clock
	Metrics       *obsmetrics.Metrics `optional:"true"`
	Config        Config              `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	allocationSvc allocationdomain.Service
	ledgerSvc     ledgerdomain.Service
	metrics       *obsmetrics.Metrics

	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.AllocationSvc == nil || p.LedgerSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler"),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		allocationSvc: p.AllocationSvc,
		ledgerSvc:     p.LedgerSvc,
		metrics:       p.Metrics,
	}, nil
}

// runJob wraps one job with a timeout, metrics, and logging. A
// deadline is treated as a soft timeout: the job picks up where it
// left off on the next tick.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	processed, err := fn(ctx)
	elapsed := time.Since(start)
	s.observeJob(name, elapsed, err)
	if err == nil {
		if processed > 0 {
			s.log.Info("job completed",
				zap.String("job", name),
				zap.Int("processed", processed),
				zap.Duration("elapsed", elapsed),
			)
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Int("processed", processed),
			zap.Duration("timeout", s.cfg.JobTimeout),
		)
		return nil
	}

	s.log.Error("job failed",
		zap.String("job", name),
		zap.Int("processed", processed),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	if s.isJobEnabled("allocate_due") {
		err = errors.Join(err, s.runJob(parent, "allocate_due", func(ctx context.Context) (int, error) {
			return s.allocationSvc.ProcessDue(ctx, s.cfg.AllocationBatch)
		}))
	}

	if s.isJobEnabled("reconcile_stale") && s.reconcileDue() {
		err = errors.Join(err, s.runJob(parent, "reconcile_stale", func(ctx context.Context) (int, error) {
			return s.ledgerSvc.ReconcileStale(ctx, s.cfg.ReconcileBatch)
		}))
		s.lastReconcile = s.clock.Now()
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reconcileDue rate-limits the reconciliation sweep to its own
// interval so it runs less often than the allocation job.
func (s *Scheduler) reconcileDue() bool {
	return s.clock.Now().Sub(s.lastReconcile) >= s.cfg.ReconcileInterval
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) observeJob(name string, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			outcome = "timeout"
		}
	}
	s.metrics.SchedulerRuns.WithLabelValues(name, outcome).Inc()
	s.metrics.SchedulerSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}
