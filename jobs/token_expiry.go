package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/plotledger/internal/jobs"
	"github.com/odyssey-erp/plotledger/internal/plots"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Sweeper runs a single token expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) (plots.SweepResult, error)
}

// TokenExpiryJob wraps the sweeper with logging and metrics. It backs both the
// interval scheduler and the on-demand Asynq task.
type TokenExpiryJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTokenExpiryJob constructs the job.
func NewTokenExpiryJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *TokenExpiryJob {
	return &TokenExpiryJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Run executes one sweep.
func (j *TokenExpiryJob) Run(ctx context.Context) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("token expiry: sweeper not configured")
	}
	start := time.Now()
	tracker := j.metrics().Track(TaskTokenExpirySweep)
	logger := j.logger()

	result, err := j.Sweeper.Sweep(ctx)
	logger = logger.With(slog.String("run_id", result.RunID.String()))
	if err != nil {
		logger.Error("token expiry sweep failed",
			slog.Int("candidates", result.Candidates),
			slog.Any("error", err),
		)
		return tracker.End(err)
	}

	m := j.metrics()
	m.AddSweepOutcome("converted", result.Converted)
	m.AddSweepOutcome("expired", result.Expired)
	m.AddSweepOutcome("skipped", result.Skipped)
	m.AddSweepOutcome("failed", result.Failed)

	logger.Info("completed token expiry sweep",
		slog.Int("candidates", result.Candidates),
		slog.Int("converted", result.Converted),
		slog.Int("expired", result.Expired),
		slog.Int("reverted", result.Reverted),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}

// Handle runs a sweep requested through the queue.
func (j *TokenExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	return j.Run(ctx)
}

func (j *TokenExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTokenExpirySweep))
	}
	return slog.Default().With(slog.String("job", TaskTokenExpirySweep))
}

func (j *TokenExpiryJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
