package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = time.Hour

// Scheduler runs a task at a fixed interval until its context is cancelled.
// Task failures and panics are logged and never stop the loop.
type Scheduler struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Task       func(context.Context) error
	Logger     *slog.Logger
}

// Run blocks until ctx is cancelled and returns ctx.Err(). A run in flight when
// ctx is cancelled sees the cancelled context; no run starts afterwards.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.Task == nil {
		return errors.New("scheduler: task not configured")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := s.logger().With(slog.Duration("interval", interval))
	logger.Info("scheduler started")

	if s.RunOnStart && ctx.Err() == nil {
		s.runOnce(ctx, logger)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			s.runOnce(ctx, logger)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled task panicked", slog.Any("error", fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := s.Task(ctx); err != nil {
		logger.Error("scheduled task failed", slog.Any("error", err))
	}
}

func (s *Scheduler) logger() *slog.Logger {
	name := s.Name
	if name == "" {
		name = "scheduler"
	}
	if s.Logger != nil {
		return s.Logger.With(slog.String("scheduler", name))
	}
	return slog.Default().With(slog.String("scheduler", name))
}
