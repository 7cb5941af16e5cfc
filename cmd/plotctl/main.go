package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/odyssey-erp/plotledger/cmd/plotctl/cli"
	"github.com/odyssey-erp/plotledger/internal/app"
	"github.com/odyssey-erp/plotledger/internal/platform/cache"
	"github.com/odyssey-erp/plotledger/internal/platform/db"
	"github.com/odyssey-erp/plotledger/internal/plots"
	"github.com/odyssey-erp/plotledger/jobs"
)

const usage = `usage: plotctl <command> [flags]

commands:
  check      -plot 1,2 [-json]   compare stored plot status with its receipts
  reconcile  -plot 1,2 [-json]   recompute and persist plot status
  sweep      [-reason manual]    enqueue a token expiry sweep
  approve    -plot 1 -receipt 9 -type booking -amount 25000
                                 replay a receipt approval through the queue
  queue                          show queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping plotctl")
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "plotctl: load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "check", "reconcile":
		return runPlotCommand(ctx, cfg, logger, args[0], args[1:], stdout, stderr)
	case "sweep", "approve", "queue":
		return runJobsCommand(ctx, cfg, args[0], args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "plotctl: unknown command %q\n%s", args[0], usage)
		return 2
	}
}

func runPlotCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, name string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	plotFlag := fs.String("plot", "", "comma separated plot ids")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ids, err := parseIDs(*plotFlag)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "plotctl %s: %v\n", name, err)
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "plotctl %s: %v\n", name, err)
		return 1
	}
	defer pool.Close()
	repo := plots.NewRepository(pool)

	var reconciler cli.Reconciler
	if name == "reconcile" {
		redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "plotctl %s: %v\n", name, err)
			return 1
		}
		defer func() { _ = redisClient.Close() }()
		locker := plots.NewRedisLocker(redisClient, cfg.PlotLockTTL, cfg.PlotLockWait)
		reconciler = plots.NewService(repo, locker, plots.NewRedisNotifier(redisClient), logger)
	}

	ops, err := cli.NewPlotOpsCLI(repo, reconciler)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "plotctl %s: %v\n", name, err)
		return 1
	}
	opts := cli.PlotOptions{PlotIDs: ids, JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr}
	if name == "reconcile" {
		return ops.ReconcileCommand(ctx, opts)
	}
	return ops.CheckCommand(ctx, opts)
}

func runJobsCommand(ctx context.Context, cfg *app.Config, name string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	reason := fs.String("reason", "manual", "sweep reason recorded in the task")
	plotID := fs.Int64("plot", 0, "plot id")
	receiptID := fs.Int64("receipt", 0, "receipt id")
	receiptType := fs.String("type", "", "receipt type (token or booking)")
	amount := fs.String("amount", "", "approved amount")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = jobsCLI.Close() }()

	switch name {
	case "sweep":
		info, err := jobsCLI.TriggerSweep(ctx, *reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "plotctl sweep: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s\n", info.Type, info.ID)
	case "approve":
		info, err := jobsCLI.EnqueueApproval(ctx, jobs.ReceiptApprovedPayload{
			PlotID:      *plotID,
			ReceiptID:   *receiptID,
			ReceiptType: *receiptType,
			Amount:      *amount,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "plotctl approve: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s\n", info.Type, info.ID)
	case "queue":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "plotctl queue: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	}
	return 0
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid plot id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
