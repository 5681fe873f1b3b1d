package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/appbase-cms/appbase/internal/app"
	"github.com/appbase-cms/appbase/internal/identity"
	jobmetrics "github.com/appbase-cms/appbase/internal/jobs"
	"github.com/appbase-cms/appbase/jobs"
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
	if cfg.StorageBackend == "memory" {
		logger.Error("worker needs a shared storage backend; set STORAGE_BACKEND to redis or postgres")
		os.Exit(1)
	}

	engine, err := app.OpenEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("storage close", slog.Any("error", err))
		}
	}()

	idCfg, err := app.IdentityConfig(cfg)
	if err != nil {
		logger.Error("identity config", slog.Any("error", err))
		os.Exit(1)
	}
	sessions, err := identity.NewService(engine, nil, idCfg, logger, nil)
	if err != nil {
		logger.Error("init identity", slog.Any("error", err))
		os.Exit(1)
	}

	sweepJob := jobs.NewSessionSweepJob(sessions, logger, jobmetrics.NewMetrics(nil))
	sweepTask, err := jobs.NewSessionSweepTask(jobs.SessionSweepPayload{BatchSize: jobs.DefaultSweepBatch})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSessionSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WorkerSessionSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
