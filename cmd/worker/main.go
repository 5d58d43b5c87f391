package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/fnbcost/fnbcost/internal/app"
	"github.com/fnbcost/fnbcost/internal/auth"
	"github.com/fnbcost/fnbcost/internal/observability"
	"github.com/fnbcost/fnbcost/internal/platform/db"
	"github.com/fnbcost/fnbcost/jobs"
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
	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	unlockJob := jobs.NewUnlockExpiredJob(auth.NewRepository(pool), logger, observability.NewMetrics())
	unlockTask, err := jobs.NewUnlockExpiredTask(jobs.UnlockExpiredPayload{})
	if err != nil {
		logger.Error("build unlock task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskUnlockExpiredAccounts, Handler: unlockJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: jobs.UnlockExpiredSchedule, Task: unlockTask, Options: []asynq.Option{asynq.Unique(jobs.UnlockExpiredWindow)}},
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
