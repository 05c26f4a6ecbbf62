/**
 * @description
 * Cron scheduler for the settlement recovery sweep.
 */
package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tickettoken/transfer-service/internal/domain"
)

// StuckSettlementReconciler is the part of Service the sweep drives.
type StuckSettlementReconciler interface {
	ReconcileStuckSettlements(ctx context.Context, limit int) (*domain.SettlementReconcileResponse, error)
}

// SchedulerConfig carries the sweep settings from config.Config.
type SchedulerConfig struct {
	SweepSchedule string
	BatchSize     int
	RunTimeout    time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler StuckSettlementReconciler
	logger     *slog.Logger
	config     SchedulerConfig
	running    atomic.Bool
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler StuckSettlementReconciler, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.SweepSchedule, s.ReconcileStuckSettlements); err != nil {
		s.logger.Error("failed to schedule settlement sweep job", "error", err, "schedule", s.config.SweepSchedule)
		return err
	}
	s.logger.Info("scheduled settlement sweep job", "schedule", s.config.SweepSchedule, "batch_size", s.config.BatchSize)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ReconcileStuckSettlements runs one sweep. It is also safe to call directly.
func (s *Scheduler) ReconcileStuckSettlements() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("settlement sweep already running; skipping")
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.reconciler.ReconcileStuckSettlements(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("settlement sweep failed", "error", err)
		return
	}
	if result.Processed == 0 {
		return
	}
	s.logger.Info("settlement sweep completed",
		"processed", result.Processed,
		"confirmed", result.Confirmed,
		"submitted", result.Submitted,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration", time.Since(started),
	)
}
