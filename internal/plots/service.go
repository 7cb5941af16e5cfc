package plots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger defines the data access the status engine needs over plots and receipts.
type Ledger interface {
	GetPlot(ctx context.Context, id int64) (*Plot, error)
	ListReceiptsForPlot(ctx context.Context, plotID int64) ([]Receipt, error)
	// ApprovedBookingSum returns the counted amount of the plot's approved and
	// converted receipts.
	ApprovedBookingSum(ctx context.Context, plotID int64) (decimal.Decimal, error)
	// FindExpiredApprovedTokenReceipts returns approved token receipts whose
	// expiry is before now, ordered by ascending ID.
	FindExpiredApprovedTokenReceipts(ctx context.Context, now time.Time) ([]Receipt, error)
	HasLaterApprovedBooking(ctx context.Context, plotID int64, after time.Time) (bool, error)
	HasOtherActiveToken(ctx context.Context, plotID, excludeReceiptID int64, now time.Time) (bool, error)
	SavePlot(ctx context.Context, plot Plot) error
	// SaveBatch persists all writes or none.
	SaveBatch(ctx context.Context, batch Batch) error
}

// Locker serialises mutations of a single plot across workers.
type Locker interface {
	Lock(ctx context.Context, plotID int64) (release func(context.Context) error, err error)
}

// Notifier publishes plot status transitions.
type Notifier interface {
	PublishStatusChange(ctx context.Context, change StatusChange) error
}

// Service applies receipt approvals to plot status.
type Service struct {
	ledger   Ledger
	locker   Locker
	notifier Notifier
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService builds a Service. locker and notifier may be nil.
func NewService(ledger Ledger, locker Locker, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OnReceiptApproved advances the plot's status after a receipt on it was
// approved. A missing plot is a no-op. Store failures are returned.
func (s *Service) OnReceiptApproved(ctx context.Context, plotID int64, receiptType ReceiptType, amount decimal.Decimal) error {
	if !receiptType.Valid() {
		return fmt.Errorf("plots: unknown receipt type %q", receiptType)
	}
	release, err := lockPlot(ctx, s.locker, plotID)
	if err != nil {
		return err
	}
	defer s.release(ctx, release, plotID)

	plot, err := s.ledger.GetPlot(ctx, plotID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("approved receipt for missing plot", slog.Int64("plot_id", plotID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("plots: load plot %d: %w", plotID, err)
	}

	paid, err := s.ledger.ApprovedBookingSum(ctx, plotID)
	if err != nil {
		return fmt.Errorf("plots: booking sum for plot %d: %w", plotID, err)
	}

	previous := plot.Status
	switch receiptType {
	case ReceiptTypeToken:
		plot.Status = PlotStatusTokened
	case ReceiptTypeBooking:
		pct := PaymentPercentage(paid, plot.TotalPrice())
		if status, ok := StatusForPercentage(pct); ok {
			plot.Status = status
		}
	}
	plot.ReceivedAmount = paid
	plot.UpdatedAt = s.clock()

	if err := s.ledger.SavePlot(ctx, *plot); err != nil {
		return fmt.Errorf("plots: save plot %d: %w", plotID, err)
	}

	s.logger.Debug("receipt approval applied",
		slog.Int64("plot_id", plotID),
		slog.String("receipt_type", string(receiptType)),
		slog.String("amount", amount.String()),
		slog.String("status", string(plot.Status)),
	)
	if previous != plot.Status {
		s.notify(ctx, StatusChange{PlotID: plotID, From: previous, To: plot.Status, Reason: "receipt_approved", At: plot.UpdatedAt})
	}
	return nil
}

// Reconcile recomputes a plot's status and received amount from its full
// receipt history and persists the result.
func (s *Service) Reconcile(ctx context.Context, plotID int64) (*Plot, error) {
	release, err := lockPlot(ctx, s.locker, plotID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, release, plotID)

	plot, err := s.ledger.GetPlot(ctx, plotID)
	if err != nil {
		return nil, err
	}
	receipts, err := s.ledger.ListReceiptsForPlot(ctx, plotID)
	if err != nil {
		return nil, fmt.Errorf("plots: list receipts for plot %d: %w", plotID, err)
	}

	now := s.clock()
	status, _ := CalculateStatus(*plot, receipts, now)
	received := ReceivedAmount(receipts)
	if status == plot.Status && received.Equal(plot.ReceivedAmount) {
		return plot, nil
	}

	previous := plot.Status
	plot.Status = status
	plot.ReceivedAmount = received
	plot.UpdatedAt = now
	if err := s.ledger.SavePlot(ctx, *plot); err != nil {
		return nil, fmt.Errorf("plots: save plot %d: %w", plotID, err)
	}
	if previous != status {
		s.notify(ctx, StatusChange{PlotID: plotID, From: previous, To: status, Reason: "reconcile", At: now})
	}
	return plot, nil
}

func (s *Service) notify(ctx context.Context, change StatusChange) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishStatusChange(ctx, change); err != nil {
		s.logger.Warn("publish status change", slog.Int64("plot_id", change.PlotID), slog.Any("error", err))
	}
}

func (s *Service) release(ctx context.Context, release func(context.Context) error, plotID int64) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("release plot lock", slog.Int64("plot_id", plotID), slog.Any("error", err))
	}
}

func lockPlot(ctx context.Context, locker Locker, plotID int64) (func(context.Context) error, error) {
	if locker == nil {
		return func(context.Context) error { return nil }, nil
	}
	release, err := locker.Lock(ctx, plotID)
	if err != nil {
		return nil, fmt.Errorf("plots: lock plot %d: %w", plotID, err)
	}
	return release, nil
}
