package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/mileage/internal/app"
	"example.com/mileage/internal/config"
	"example.com/mileage/internal/logging"
	"example.com/mileage/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New("mileage-scheduler", logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("scheduler requires STORE_DRIVER=postgres; the api runs jobs in-process for the memory store")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, pool, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer pool.Close()

	services := app.NewServices(cfg, store, logger, nil)
	sched := scheduler.New(scheduler.Config{
		SyncInterval:        cfg.SyncInterval,
		ActionGCInterval:    cfg.ActionGCInterval,
		ConsistencyInterval: cfg.ConsistencyCheckInterval,
		Users:               cfg.SyncUserList(),
	}, store, services.Pipeline, services.Actions, services.Ledger, scheduler.WithLogger(logger.Named("scheduler")))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("scheduler metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sched.Run(ctx)
	logger.Info("scheduler stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
}
