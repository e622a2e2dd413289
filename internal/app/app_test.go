package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/mileage/internal/config"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/syncpipeline"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StoreDriver:      config.DriverMemory,
		UndoWindow:       30 * time.Second,
		QuietThreshold:   14 * 24 * time.Hour,
		ActiveUserWindow: 7 * 24 * time.Hour,
		SyncInterval:     15 * time.Minute,
		SyncProviders:    "strava,garmin",
		SimulationSeed:   42,
		SimulationBatch:  3,
		ProviderTokenTTL: time.Hour,
	}
}

func TestOpenStoreMemory(t *testing.T) {
	store, pool, err := OpenStore(context.Background(), memoryConfig())
	require.NoError(t, err)
	require.Nil(t, pool)
	require.NotNil(t, store)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"
	_, _, err := OpenStore(context.Background(), cfg)
	require.Error(t, err)
}

func TestProvidersFollowConfig(t *testing.T) {
	cfg := memoryConfig()
	providers := Providers(cfg, nil)
	require.Len(t, providers, 2)
	require.IsType(t, &syncpipeline.SimulatedProvider{}, providers[0])

	cfg.ProviderBaseURL = "http://upstream.local"
	providers = Providers(cfg, nil)
	require.IsType(t, &syncpipeline.HTTPProvider{}, providers[1])
	require.Equal(t, "garmin", providers[1].Name())
}

func TestServicesShareOneStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.September, 9, 9, 0, 0, 0, time.UTC)
	cfg := memoryConfig()
	store, _, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	svc := NewServices(cfg, store, zap.NewNop(), func() time.Time { return now })

	require.Equal(t, []string{"garmin", "strava"}, svc.Pipeline.Providers())
	result, err := svc.Pipeline.Sync(ctx, "U", "strava")
	require.NoError(t, err)
	require.Equal(t, 3, result.Added)

	page, err := svc.Ledger.ListActivities(ctx, "U", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	corr, err := svc.Ledger.ApplyCorrection(ctx, ledger.CorrectionInput{
		ActivityID: page.Items[0].ID,
		UserID:     "U",
		DeltaMiles: decimal.RequireFromString("0.5"),
		Reason:     "treadmill calibration",
	})
	require.NoError(t, err)

	// The undo compensator for corrections is registered.
	_, err = svc.Actions.Undo(ctx, corr.ActionID, "U")
	require.NoError(t, err)

	report, err := svc.Ledger.Verify(ctx, "U")
	require.NoError(t, err)
	require.True(t, report.Consistent())
}
