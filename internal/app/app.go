// Package app assembles the store and services from configuration. Every
// binary shares this wiring so the api and scheduler see identical behaviour.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/config"
	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/ops"
	"example.com/mileage/internal/persistence/memory"
	"example.com/mileage/internal/persistence/postgres"
	"example.com/mileage/internal/syncpipeline"
)

// Services bundles the domain services built over one Store.
type Services struct {
	Store    domain.Store
	Ledger   *ledger.Service
	Actions  *actionlog.Service
	Ops      *ops.Service
	Pipeline *syncpipeline.Pipeline
}

// OpenStore connects the configured store driver. The returned pool is nil for
// the memory driver; callers close it when set.
func OpenStore(ctx context.Context, cfg *config.Config) (domain.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.NewStore(), nil, nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return postgres.NewStore(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Providers builds one upstream per configured provider name: HTTP clients when
// PROVIDER_BASE_URL is set, deterministic simulations otherwise.
func Providers(cfg *config.Config, now func() time.Time) []syncpipeline.Provider {
	names := cfg.SyncProviderList()
	out := make([]syncpipeline.Provider, 0, len(names))
	for _, name := range names {
		if cfg.ProviderBaseURL != "" {
			out = append(out, syncpipeline.NewHTTPProvider(name, cfg.ProviderBaseURL+"/"+name, nil))
			continue
		}
		out = append(out, syncpipeline.NewSimulatedProvider(name, cfg.SimulationSeed, cfg.SimulationBatch, now))
	}
	return out
}

// NewServices wires the services over store. Undo compensators for every
// reversible action type are registered here.
func NewServices(cfg *config.Config, store domain.Store, logger *zap.Logger, now func() time.Time) *Services {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ledgerSvc := ledger.NewService(store,
		ledger.WithClock(now),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithUndoWindow(cfg.UndoWindow),
	)
	actions := actionlog.NewService(store,
		actionlog.WithClock(now),
		actionlog.WithLogger(logger.Named("actionlog")),
		actionlog.WithCompensator(domain.ActionTypeCorrection, ledgerSvc.CompensateCorrection),
		actionlog.WithCompensator(domain.ActionTypeNote, ledgerSvc.CompensateNote),
	)
	opsSvc := ops.NewService(store,
		ops.WithClock(now),
		ops.WithLogger(logger.Named("ops")),
		ops.WithQuietThreshold(cfg.QuietThreshold),
		ops.WithActiveWindow(cfg.ActiveUserWindow),
		ops.WithSyncSchedule(cfg.SyncProviderList(), cfg.SyncInterval),
	)
	pipeline := syncpipeline.NewPipeline(store, Providers(cfg, now),
		syncpipeline.WithClock(now),
		syncpipeline.WithLogger(logger.Named("sync")),
		syncpipeline.WithTimeout(cfg.SyncTimeout),
		syncpipeline.WithChaosDelay(cfg.ChaosDelay),
		syncpipeline.WithTokenSource(syncpipeline.NewEphemeralTokenSource(cfg.ProviderTokenTTL, now)),
	)
	return &Services{
		Store:    store,
		Ledger:   ledgerSvc,
		Actions:  actions,
		Ops:      opsSvc,
		Pipeline: pipeline,
	}
}
