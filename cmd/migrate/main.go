package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"example.com/mileage/internal/config"
	"example.com/mileage/internal/logging"
	"example.com/mileage/internal/persistence/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New("mileage-migrate", logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := postgres.Migrate(cfg.PostgresURL, *direction); err != nil {
		logger.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}
	logger.Info("migrations applied", zap.String("direction", *direction))
}
