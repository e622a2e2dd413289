package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"example.com/mileage/internal/api"
	"example.com/mileage/internal/app"
	"example.com/mileage/internal/auth"
	"example.com/mileage/internal/config"
	"example.com/mileage/internal/logging"
	"example.com/mileage/internal/outbox"
	"example.com/mileage/internal/scheduler"
	httptransport "example.com/mileage/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New("mileage-api", logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, pool, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	services := app.NewServices(cfg, store, logger, nil)

	var background sync.WaitGroup
	if pool != nil {
		defer pool.Close()

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokerList(), outbox.WithProducerLogger(logger.Named("producer")))
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close failed", zap.Error(err))
			}
		}()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL, nil)
		dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.Named("outbox")))
		go dispatcher.Start(ctx)
		defer dispatcher.Wait()
	} else {
		// Nothing outside this process can reach the memory store, so the
		// periodic jobs run here.
		sched := scheduler.New(scheduler.Config{
			SyncInterval:        cfg.SyncInterval,
			ActionGCInterval:    cfg.ActionGCInterval,
			ConsistencyInterval: cfg.ConsistencyCheckInterval,
			Users:               cfg.SyncUserList(),
		}, store, services.Pipeline, services.Actions, services.Ledger, scheduler.WithLogger(logger.Named("scheduler")))
		background.Add(1)
		go func() {
			defer background.Done()
			sched.Run(ctx)
		}()
	}

	handler := api.NewHandler(services.Ledger, services.Actions, services.Ops, services.Pipeline, api.WithLogger(logger.Named("api")))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, api.WriteAuthError)
	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.Chain(mux,
		httptransport.RequestLogger(logger.Named("http")),
		httptransport.CORS(cfg.CORSOriginList()),
		authMiddleware.Wrap,
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("mileage api listening", zap.String("address", cfg.HTTPAddress), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdownCh
	logger.Info("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	background.Wait()
}
