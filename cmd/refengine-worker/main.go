package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"refengine/internal/app"
	"refengine/internal/config"
	"refengine/internal/queue"
	"refengine/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	opened, err := app.OpenBackend(ctx, app.StoreOptions{
		Kind:        cfg.Store,
		DatabaseURL: cfg.DatabaseURL,
	}, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer opened.Close()

	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg.QueueKey)

	recovered, err := q.RecoverProcessing(ctx)
	if err != nil {
		logger.Error("recover in-flight triggers failed", "err", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("requeued in-flight triggers from previous run", "count", recovered)
	}

	engine, cache := app.NewEngine(opened.Backend, cfg.PolicyCacheTTL, cfg.QualifyingBadge, logger)
	go func() {
		err := q.WatchPolicyChanges(ctx, func() {
			cache.Invalidate()
			logger.Info("policy cache flushed after policy change")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("policy change watch stopped; cache refreshes on expiry", "err", err)
		}
	}()
	processor := worker.NewProcessor(engine, opened.Backend, q, worker.Options{
		Concurrency: cfg.Concurrency,
		MaxRetries:  uint64(cfg.MaxRetries),
		PollTimeout: cfg.PollTimeout,
		RunOnce:     cfg.RunOnce,
	}, logger)

	logger.Info("worker started", "queue", cfg.QueueKey, "concurrency", cfg.Concurrency, "run_once", cfg.RunOnce)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "err", err)
		os.Exit(1)
	}
	if depth, err := q.Depth(context.Background()); err == nil {
		logger.Info("worker shutdown", "pending", depth.Pending, "processing", depth.Processing, "dead", depth.Dead)
	}
}
