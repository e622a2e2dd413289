package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/persistence/memory"
	"example.com/mileage/internal/syncpipeline"
)

var schedNow = time.Date(2025, time.August, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	ledger    *ledger.Service
	scheduler *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	now := func() time.Time { return schedNow }
	store := memory.NewStore()
	ledgerSvc := ledger.NewService(store, ledger.WithClock(now))
	actions := actionlog.NewService(store, actionlog.WithClock(now))
	pipeline := syncpipeline.NewPipeline(store, []syncpipeline.Provider{
		syncpipeline.NewSimulatedProvider("garmin", 7, 2, now),
		syncpipeline.NewSimulatedProvider("strava", 7, 2, now),
	}, syncpipeline.WithClock(now))
	return &fixture{
		store:     store,
		ledger:    ledgerSvc,
		scheduler: New(cfg, store, pipeline, actions, ledgerSvc),
	}
}

func TestSyncOnceCoversConfiguredUsersAndProviders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Users: []string{"u1", "u2"}})

	require.NoError(t, f.scheduler.SyncOnce(ctx))

	ids, err := f.store.ListUserIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids)

	stats, err := f.store.ProviderStats(ctx, schedNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, st := range stats {
		require.Equal(t, 2, st.Attempts, st.Provider)
		require.Equal(t, 2, st.Successes, st.Provider)
	}
}

func TestSyncOnceWithoutUsersIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.scheduler.SyncOnce(context.Background()))

	stats, err := f.store.ProviderStats(context.Background(), schedNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stats)
}

func TestVerifyOnceRepairsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Users: []string{"u1"}})
	require.NoError(t, f.scheduler.SyncOnce(ctx))

	before, err := f.store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, f.store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.AdjustAggregate(ctx, "u1", decimal.NewFromInt(4), schedNow)
	}))

	require.NoError(t, f.scheduler.VerifyOnce(ctx))

	after, err := f.store.GetAggregate(ctx, "u1")
	require.NoError(t, err)
	require.True(t, before.TotalMiles.Equal(after.TotalMiles))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{SyncInterval: time.Hour, ActionGCInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
