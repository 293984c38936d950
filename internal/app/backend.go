// Package app assembles the storage backend and rewards engine shared by the
// API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"refengine/internal/config"
	"refengine/internal/db"
	"refengine/internal/memstore"
	"refengine/internal/pgstore"
	"refengine/internal/policy"
	"refengine/internal/rewards"
)

// Backend is everything the engine, the API read side and the admin
// endpoints need from storage.
type Backend interface {
	rewards.TreeStore
	rewards.TreeBuilder
	rewards.BadgeStore
	rewards.PolicyStore
	rewards.Ledger
	Balance(ctx context.Context, userID string) (rewards.Balance, error)
	CommissionHistory(ctx context.Context, userID string, limit int) ([]rewards.CommissionEntry, error)
	MilestoneClaims(ctx context.Context, userID string) ([]rewards.MilestoneClaim, error)
	Reconcile(ctx context.Context, userID string) (rewards.ReconciliationReport, error)
	ReplacePolicy(ctx context.Context, snap rewards.PolicySnapshot) error
}

type Opened struct {
	Backend Backend
	// Health is nil for the in-memory store.
	Health func(ctx context.Context) error
	Close  func()
}

type StoreOptions struct {
	Kind        string
	DatabaseURL string
	AutoMigrate bool
}

func OpenBackend(ctx context.Context, opts StoreOptions, logger *slog.Logger) (Opened, error) {
	if opts.Kind == config.StoreMemory {
		logger.Warn("using in-memory store; balances are lost on exit")
		return Opened{Backend: memstore.New(), Close: func() {}}, nil
	}
	if opts.DatabaseURL == "" {
		return Opened{}, errors.New("DATABASE_URL is required for the postgres store")
	}
	if opts.AutoMigrate {
		if err := db.Migrate(opts.DatabaseURL, logger); err != nil {
			return Opened{}, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.Connect(ctx, opts.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return Opened{}, err
	}
	store := pgstore.New(pool, logger)
	return Opened{Backend: store, Health: store.Ping, Close: pool.Close}, nil
}

// NewEngine wires the engine over b with a cached view of the policy tables.
func NewEngine(b Backend, cacheTTL time.Duration, qualifyingBadge string, logger *slog.Logger) (*rewards.Engine, *policy.Cache) {
	cache := policy.NewCache(b, cacheTTL)
	engine := rewards.NewEngine(rewards.Deps{
		Tree:    b,
		Builder: b,
		Badges:  b,
		Policy:  cache,
		Ledger:  b,
	}, logger).WithQualifyingBadge(qualifyingBadge)
	return engine, cache
}

// ApplyPolicyFile loads a policy document from disk into b. An empty path is
// a no-op.
func ApplyPolicyFile(ctx context.Context, b Backend, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	snap, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	if err := b.ReplacePolicy(ctx, snap); err != nil {
		return err
	}
	logger.Info("policy file applied", "path", path, "rates", len(snap.Rates), "milestones", len(snap.Milestones))
	return nil
}
