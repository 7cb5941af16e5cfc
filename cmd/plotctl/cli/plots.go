package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/plotledger/internal/plots"
)

// PlotReader loads the stored plot and its receipts.
type PlotReader interface {
	GetPlot(ctx context.Context, id int64) (*plots.Plot, error)
	ListReceiptsForPlot(ctx context.Context, plotID int64) ([]plots.Receipt, error)
}

// Reconciler rewrites a plot's cached status from its receipts.
type Reconciler interface {
	Reconcile(ctx context.Context, plotID int64) (*plots.Plot, error)
}

// PlotOpsCLI offers operator commands to inspect and repair plot status.
type PlotOpsCLI struct {
	reader     PlotReader
	reconciler Reconciler
	now        func() time.Time
}

// NewPlotOpsCLI constructs the helper.
func NewPlotOpsCLI(reader PlotReader, reconciler Reconciler) (*PlotOpsCLI, error) {
	if reader == nil {
		return nil, errors.New("plots cli: reader is required")
	}
	return &PlotOpsCLI{reader: reader, reconciler: reconciler, now: time.Now}, nil
}

// PlotOptions are the flags shared by check and reconcile.
type PlotOptions struct {
	PlotIDs    []int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PlotReport describes one plot's stored and derived state.
type PlotReport struct {
	PlotID            int64            `json:"plot_id"`
	PlotNumber        string           `json:"plot_number,omitempty"`
	StoredStatus      plots.PlotStatus `json:"stored_status"`
	DerivedStatus     plots.PlotStatus `json:"derived_status"`
	StoredReceived    decimal.Decimal  `json:"stored_received"`
	DerivedReceived   decimal.Decimal  `json:"derived_received"`
	PaymentPercentage decimal.Decimal  `json:"payment_percentage"`
	Drift             bool             `json:"drift"`
	Error             string           `json:"error,omitempty"`
}

// CheckSummary is the JSON response of the check command.
type CheckSummary struct {
	OK    bool         `json:"ok"`
	Plots []PlotReport `json:"plots"`
}

// CheckCommand compares stored plot state with what the receipts imply.
// Exit code 10 signals drift, 1 a usage or lookup failure.
func (c *PlotOpsCLI) CheckCommand(ctx context.Context, opts PlotOptions) int {
	opts = withDefaultWriters(opts)
	if len(opts.PlotIDs) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "plots check: at least one --plot is required")
		return 1
	}
	summary := CheckSummary{OK: true, Plots: make([]PlotReport, 0, len(opts.PlotIDs))}
	failed := false
	for _, id := range opts.PlotIDs {
		report, err := c.inspect(ctx, id)
		if err != nil {
			failed = true
			report = PlotReport{PlotID: id, Error: err.Error()}
		}
		if report.Drift {
			summary.OK = false
		}
		summary.Plots = append(summary.Plots, report)
	}
	if code := render(opts, "plots check", summary); code != 0 {
		return code
	}
	switch {
	case failed:
		return 1
	case !summary.OK:
		return 10
	}
	return 0
}

// ReconcileCommand repairs each plot and reports the result.
func (c *PlotOpsCLI) ReconcileCommand(ctx context.Context, opts PlotOptions) int {
	opts = withDefaultWriters(opts)
	if c.reconciler == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "plots reconcile: reconciler not configured")
		return 1
	}
	if len(opts.PlotIDs) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "plots reconcile: at least one --plot is required")
		return 1
	}
	summary := CheckSummary{OK: true, Plots: make([]PlotReport, 0, len(opts.PlotIDs))}
	for _, id := range opts.PlotIDs {
		before, err := c.inspect(ctx, id)
		if err != nil {
			summary.OK = false
			summary.Plots = append(summary.Plots, PlotReport{PlotID: id, Error: err.Error()})
			continue
		}
		if _, err := c.reconciler.Reconcile(ctx, id); err != nil {
			summary.OK = false
			before.Error = err.Error()
		}
		summary.Plots = append(summary.Plots, before)
	}
	if code := render(opts, "plots reconcile", summary); code != 0 {
		return code
	}
	if !summary.OK {
		return 1
	}
	return 0
}

func (c *PlotOpsCLI) inspect(ctx context.Context, id int64) (PlotReport, error) {
	plot, err := c.reader.GetPlot(ctx, id)
	if err != nil {
		return PlotReport{}, fmt.Errorf("load plot %d: %w", id, err)
	}
	receipts, err := c.reader.ListReceiptsForPlot(ctx, id)
	if err != nil {
		return PlotReport{}, fmt.Errorf("load receipts for plot %d: %w", id, err)
	}
	status, pct := plots.CalculateStatus(*plot, receipts, c.now())
	received := plots.ReceivedAmount(receipts)
	return PlotReport{
		PlotID:            plot.ID,
		PlotNumber:        plot.PlotNumber,
		StoredStatus:      plot.Status,
		DerivedStatus:     status,
		StoredReceived:    plot.ReceivedAmount,
		DerivedReceived:   received,
		PaymentPercentage: pct.Round(2),
		Drift:             status != plot.Status || !received.Equal(plot.ReceivedAmount),
	}, nil
}

func render(opts PlotOptions, command string, summary CheckSummary) int {
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", command, err)
			return 1
		}
		return 0
	}
	for _, p := range summary.Plots {
		if p.Error != "" {
			_, _ = fmt.Fprintf(opts.Stdout, "plot %d: error: %s\n", p.PlotID, p.Error)
			continue
		}
		marker := "ok"
		if p.Drift {
			marker = "DRIFT"
		}
		_, _ = fmt.Fprintf(opts.Stdout, "plot %d (%s): stored %s/%s derived %s/%s paid %s%% [%s]\n",
			p.PlotID, p.PlotNumber,
			p.StoredStatus, p.StoredReceived.StringFixed(2),
			p.DerivedStatus, p.DerivedReceived.StringFixed(2),
			p.PaymentPercentage.StringFixed(2), marker)
	}
	return 0
}

func withDefaultWriters(opts PlotOptions) PlotOptions {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return opts
}
