package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/plotledger/internal/jobs"
	"github.com/odyssey-erp/plotledger/internal/plots"
)

// ApprovalService applies approved receipts to plot status.
type ApprovalService interface {
	OnReceiptApproved(ctx context.Context, plotID int64, receiptType plots.ReceiptType, amount decimal.Decimal) error
}

// ReceiptApprovedJob consumes approval events.
type ReceiptApprovedJob struct {
	Service  ApprovalService
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	validate *validator.Validate
}

// NewReceiptApprovedJob constructs the job handler.
func NewReceiptApprovedJob(service ApprovalService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReceiptApprovedJob {
	return &ReceiptApprovedJob{
		Service:  service,
		Logger:   logger,
		Metrics:  metrics,
		validate: validator.New(),
	}
}

// Handle decodes the approval and updates the plot. Malformed payloads are
// not retried; store failures are.
func (j *ReceiptApprovedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("receipt approved: handler not configured")
	}
	var payload ReceiptApprovedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger().With(
		slog.Int64("plot_id", payload.PlotID),
		slog.Int64("receipt_id", payload.ReceiptID),
		slog.String("receipt_type", payload.ReceiptType),
	)
	if err := j.validator().Struct(payload); err != nil {
		logger.Warn("invalid approval payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		logger.Warn("invalid approval amount", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskReceiptApproved)
	err = j.Service.OnReceiptApproved(ctx, payload.PlotID, plots.ReceiptType(payload.ReceiptType), amount)
	if err != nil {
		logger.Error("apply receipt approval", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().IncApproval(payload.ReceiptType)
	logger.Info("receipt approval applied", slog.String("amount", amount.String()))
	return tracker.End(nil)
}

func (j *ReceiptApprovedJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReceiptApproved))
	}
	return slog.Default().With(slog.String("job", TaskReceiptApproved))
}

func (j *ReceiptApprovedJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReceiptApprovedJob) validator() *validator.Validate {
	if j.validate == nil {
		j.validate = validator.New()
	}
	return j.validate
}
