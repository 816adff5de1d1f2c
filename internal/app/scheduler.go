/**
 * @description
 * Cron scheduler for the periodic payment reconciliation. Overlapping runs
 * are skipped and panics inside a run are recovered and logged.
 */
package app

import (
	"context"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reconciler is the job the scheduler drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (*domain.ReconcileSummary, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// NewScheduler creates a new scheduler instance. schedule accepts any
// robfig/cron spec, including "@every 5m".
func NewScheduler(reconciler Reconciler, schedule string, timeout time.Duration, logger logrus.FieldLogger) *Scheduler {
	logger = logger.WithField("component", "scheduler")
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start registers the reconcile job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunReconcile); err != nil {
		s.logger.WithError(err).Error("failed to schedule payment reconciliation job")
		return err
	}
	s.logger.WithField("schedule", s.schedule).Info("scheduled payment reconciliation job")
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done
// once running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunReconcile executes one reconciliation batch.
func (s *Scheduler) RunReconcile() {
	s.logger.Info("starting payment reconciliation job")
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		schedulerRuns.WithLabelValues("reconcile", "error").Inc()
		s.logger.WithError(err).Error("payment reconciliation job failed")
		return
	}
	schedulerRuns.WithLabelValues("reconcile", "ok").Inc()
	s.logger.WithFields(logrus.Fields{
		"examined": summary.Examined,
		"updated":  summary.Updated,
		"failed":   summary.Failed,
	}).Info("payment reconciliation job finished")
}
