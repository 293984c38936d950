package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refengine/internal/api"
	"refengine/internal/app"
	"refengine/internal/auth"
	"refengine/internal/config"
	"refengine/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	opened, err := app.OpenBackend(ctx, app.StoreOptions{
		Kind:        cfg.Store,
		DatabaseURL: cfg.DatabaseURL,
		AutoMigrate: cfg.AutoMigrate,
	}, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer opened.Close()

	if err := app.ApplyPolicyFile(ctx, opened.Backend, cfg.PolicyFile, logger); err != nil {
		logger.Error("policy file load failed", "path", cfg.PolicyFile, "err", err)
		os.Exit(1)
	}

	tokens, err := auth.NewServiceTokens(cfg.ServiceTokens)
	if err != nil {
		logger.Error("service tokens invalid", "err", err)
		os.Exit(1)
	}

	engine, cache := app.NewEngine(opened.Backend, cfg.PolicyCacheTTL, cfg.QualifyingBadge, logger)
	deps := api.Deps{
		Engine:      engine,
		Store:       opened.Backend,
		Auth:        tokens,
		PolicyCache: cache,
		Health:      opened.Health,
	}

	if cfg.RedisURL != "" {
		rdb, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		q := queue.NewRedisQueue(rdb, cfg.QueueKey)
		deps.Queue = q
		deps.PolicyNotifier = q
	} else {
		logger.Warn("REDIS_URL not set; /v1/events is disabled")
	}

	server := api.New(cfg, logger, deps)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("refengine api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
