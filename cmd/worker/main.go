package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/plotledger/internal/app"
	jobmetrics "github.com/odyssey-erp/plotledger/internal/jobs"
	"github.com/odyssey-erp/plotledger/internal/observability"
	"github.com/odyssey-erp/plotledger/internal/platform/cache"
	"github.com/odyssey-erp/plotledger/internal/platform/db"
	"github.com/odyssey-erp/plotledger/internal/plots"
	"github.com/odyssey-erp/plotledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.PGMigrate {
		if err := plots.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	ledger := plots.NewRepository(pool)
	locker := plots.NewRedisLocker(redisClient, cfg.PlotLockTTL, cfg.PlotLockWait)
	notifier := plots.NewRedisNotifier(redisClient)
	service := plots.NewService(ledger, locker, notifier, logger)
	sweeper := plots.NewSweeper(ledger, locker, notifier, logger)

	approvalJob := jobs.NewReceiptApprovedJob(service, logger, jobMetrics)
	expiryJob := jobs.NewTokenExpiryJob(sweeper, logger, jobMetrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	var cron []jobs.CronRegistration
	if cfg.SweepCron != "" {
		task, err := jobs.NewTokenExpirySweepTask("cron")
		if err != nil {
			return err
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SweepCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(0)}})
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReceiptApproved, Handler: approvalJob.Handle},
			{Type: jobs.TaskTokenExpirySweep, Handler: expiryJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		return err
	}

	scheduler := &jobs.Scheduler{
		Name:       jobs.TaskTokenExpirySweep,
		Interval:   cfg.SweepInterval,
		RunOnStart: cfg.SweepOnStart,
		Task:       expiryJob.Run,
		Logger:     logger,
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Checks: map[string]app.Pinger{
			"postgres": app.PingFunc(pool.Ping),
			"redis":    app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})
	server := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(scheduler.Run(gctx))
	})
	group.Go(func() error {
		return ignoreCanceled(worker.Run(gctx))
	})
	group.Go(func() error {
		logger.Info("starting ops server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
