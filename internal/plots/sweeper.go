package plots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	RunID      uuid.UUID
	Candidates int
	Converted  int
	Expired    int
	Reverted   int
	Skipped    int
	Failed     int
}

// Sweeper expires approved token receipts whose expiry has passed and reverts
// the status of plots left without an active token.
type Sweeper struct {
	ledger   Ledger
	locker   Locker
	notifier Notifier
	logger   *slog.Logger
	clock    func() time.Time

	mu sync.Mutex
}

// NewSweeper builds a Sweeper. locker and notifier may be nil.
func NewSweeper(ledger Ledger, locker Locker, notifier Notifier, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:   ledger,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type candidateOutcome int

const (
	outcomeSkipped candidateOutcome = iota
	outcomeConverted
	outcomeExpired
)

// Sweep runs one pass. Candidate failures, panics included, are logged and
// counted without aborting the pass. A failure persisting the batch discards
// every write and is returned; ErrConflict means a plot changed under the
// sweep and its candidates are retried on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	result := SweepResult{RunID: uuid.New()}
	logger := s.logger.With(slog.String("run_id", result.RunID.String()))

	candidates, err := s.ledger.FindExpiredApprovedTokenReceipts(ctx, now)
	if err != nil {
		return result, fmt.Errorf("plots: find expired tokens: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	result.Candidates = len(candidates)

	state := newSweepState()
	defer state.releaseAll(context.WithoutCancel(ctx), logger)

	for _, candidate := range candidates {
		outcome, err := s.processCandidate(ctx, state, candidate, now, logger)
		if err != nil {
			result.Failed++
			logger.Error("token expiry candidate failed",
				slog.Int64("receipt_id", candidate.ID),
				slog.Any("error", err),
			)
			continue
		}
		switch outcome {
		case outcomeConverted:
			result.Converted++
		case outcomeExpired:
			result.Expired++
		default:
			result.Skipped++
		}
	}

	batch := state.batch()
	if !batch.Empty() {
		if err := s.ledger.SaveBatch(ctx, batch); err != nil {
			return result, fmt.Errorf("plots: persist sweep: %w", err)
		}
	}

	for _, change := range state.changes(now) {
		if change.To == PlotStatusAvailable {
			result.Reverted++
		}
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.PublishStatusChange(ctx, change); err != nil {
			logger.Warn("publish status change", slog.Int64("plot_id", change.PlotID), slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Sweeper) processCandidate(ctx context.Context, state *sweepState, candidate Receipt, now time.Time, logger *slog.Logger) (outcome candidateOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = outcomeSkipped, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.process(ctx, state, candidate, now, logger)
}

func (s *Sweeper) process(ctx context.Context, state *sweepState, candidate Receipt, now time.Time, logger *slog.Logger) (candidateOutcome, error) {
	if candidate.PlotID == nil {
		logger.Warn("expired token receipt has no plot", slog.Int64("receipt_id", candidate.ID))
		return outcomeSkipped, nil
	}
	plotID := *candidate.PlotID

	view, err := s.load(ctx, state, plotID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("expired token receipt references missing plot",
			slog.Int64("receipt_id", candidate.ID),
			slog.Int64("plot_id", plotID),
		)
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	superseded, err := s.ledger.HasLaterApprovedBooking(ctx, plotID, candidate.CreatedAt)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("later booking check: %w", err)
	}
	if superseded {
		state.setReceiptStatus(view, candidate, ReceiptStatusConverted, now)
		return outcomeConverted, nil
	}

	revert := false
	if view.plot.Status == PlotStatusTokened {
		active, err := s.ledger.HasOtherActiveToken(ctx, plotID, candidate.ID, now)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("active token check: %w", err)
		}
		revert = !active
	}

	state.setReceiptStatus(view, candidate, ReceiptStatusExpired, now)
	if revert {
		view.plot.Status = PlotStatusAvailable
	}
	view.plot.ReceivedAmount = ReceivedAmount(view.receipts)
	view.plot.UpdatedAt = now
	view.dirty = true
	return outcomeExpired, nil
}

// load returns the sweep's view of a plot, locking and reading it on first use.
func (s *Sweeper) load(ctx context.Context, state *sweepState, plotID int64) (*plotView, error) {
	if view, ok := state.plots[plotID]; ok {
		return view, nil
	}
	if !state.locked[plotID] {
		release, err := lockPlot(ctx, s.locker, plotID)
		if err != nil {
			return nil, err
		}
		state.locked[plotID] = true
		state.releases = append(state.releases, lockRelease{plotID: plotID, fn: release})
	}

	plot, err := s.ledger.GetPlot(ctx, plotID)
	if err != nil {
		return nil, err
	}
	receipts, err := s.ledger.ListReceiptsForPlot(ctx, plotID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	view := &plotView{plot: *plot, original: plot.Status, version: plot.UpdatedAt, receipts: receipts}
	state.plots[plotID] = view
	state.plotOrder = append(state.plotOrder, plotID)
	return view, nil
}

type plotView struct {
	plot     Plot
	original PlotStatus
	version  time.Time
	receipts []Receipt
	dirty    bool
}

type lockRelease struct {
	plotID int64
	fn     func(context.Context) error
}

// sweepState accumulates a sweep's pending writes so later candidates see the
// effect of earlier ones before anything is persisted.
type sweepState struct {
	plots        map[int64]*plotView
	plotOrder    []int64
	receipts     map[int64]Receipt
	receiptOrder []int64
	locked       map[int64]bool
	releases     []lockRelease
}

func newSweepState() *sweepState {
	return &sweepState{
		plots:    make(map[int64]*plotView),
		receipts: make(map[int64]Receipt),
		locked:   make(map[int64]bool),
	}
}

func (st *sweepState) setReceiptStatus(view *plotView, receipt Receipt, status ReceiptStatus, now time.Time) {
	receipt.Status = status
	receipt.UpdatedAt = now
	if _, seen := st.receipts[receipt.ID]; !seen {
		st.receiptOrder = append(st.receiptOrder, receipt.ID)
	}
	st.receipts[receipt.ID] = receipt
	for i := range view.receipts {
		if view.receipts[i].ID == receipt.ID {
			view.receipts[i] = receipt
		}
	}
}

func (st *sweepState) batch() Batch {
	var b Batch
	for _, id := range st.receiptOrder {
		b.Receipts = append(b.Receipts, st.receipts[id])
	}
	for _, id := range st.plotOrder {
		if view := st.plots[id]; view.dirty {
			if b.PlotVersions == nil {
				b.PlotVersions = make(map[int64]time.Time)
			}
			b.Plots = append(b.Plots, view.plot)
			b.PlotVersions[id] = view.version
		}
	}
	return b
}

func (st *sweepState) changes(now time.Time) []StatusChange {
	var out []StatusChange
	for _, id := range st.plotOrder {
		view := st.plots[id]
		if !view.dirty || view.plot.Status == view.original {
			continue
		}
		out = append(out, StatusChange{PlotID: id, From: view.original, To: view.plot.Status, Reason: "token_expired", At: now})
	}
	return out
}

func (st *sweepState) releaseAll(ctx context.Context, logger *slog.Logger) {
	for i := len(st.releases) - 1; i >= 0; i-- {
		r := st.releases[i]
		if err := r.fn(ctx); err != nil {
			logger.Warn("release plot lock", slog.Int64("plot_id", r.plotID), slog.Any("error", err))
		}
	}
}
