package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Equal(t, 30*time.Second, cfg.UndoWindow)
	require.Equal(t, 14*24*time.Hour, cfg.QuietThreshold)
	require.Equal(t, 15*time.Minute, cfg.SyncInterval)
	require.Equal(t, []string{"strava", "garmin"}, cfg.SyncProviderList())
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokerList())
	require.Empty(t, cfg.SyncUserList())
	require.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOriginList())
	require.Equal(t, time.Hour, cfg.ProviderTokenTTL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("UNDO_WINDOW", "45s")
	t.Setenv("SYNC_PROVIDERS", " strava , ,fitbit")
	t.Setenv("OUTBOX_BATCH_SIZE", "100")
	t.Setenv("LOG_DEV", "true")

	cfg, err := load("")
	require.NoError(t, err)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, 45*time.Second, cfg.UndoWindow)
	require.Equal(t, []string{"strava", "fitbit"}, cfg.SyncProviderList())
	require.Equal(t, 100, cfg.OutboxBatchSize)
	require.True(t, cfg.LogDev)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHAOS_DELAY=5s\nSYNC_USERS=u1,u2\n"), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.ChaosDelay)
	require.Equal(t, []string{"u1", "u2"}, cfg.SyncUserList())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("UNDO_WINDOW", "0s")

	_, err := load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "STORE_DRIVER")
	require.Contains(t, err.Error(), "UNDO_WINDOW")
}
