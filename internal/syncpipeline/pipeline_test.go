package syncpipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/persistence/memory"
)

var pipelineNow = time.Date(2025, time.July, 4, 6, 0, 0, 0, time.UTC)

type stubProvider struct {
	name  string
	batch []ProviderActivity
	err   error
	calls atomic.Int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) FetchActivities(ctx context.Context, _ FetchRequest) ([]ProviderActivity, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]ProviderActivity(nil), s.batch...), nil
}

func record(id, miles string) ProviderActivity {
	return ProviderActivity{
		ExternalID: id,
		Miles:      decimal.RequireFromString(miles),
		Duration:   30 * time.Minute,
		StartedAt:  pipelineNow.Add(-time.Hour),
	}
}

func newTestPipeline(t *testing.T, providers []Provider, opts ...Option) (*Pipeline, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	opts = append([]Option{
		WithClock(func() time.Time { return pipelineNow }),
		withSleeper(func(context.Context, time.Duration) error { return nil }),
	}, opts...)
	return NewPipeline(store, providers, opts...), store
}

func totalMiles(t *testing.T, store *memory.Store, userID string) decimal.Decimal {
	t.Helper()
	agg, err := store.GetAggregate(context.Background(), userID)
	require.NoError(t, err)
	return agg.TotalMiles
}

func TestSyncTwiceCountsDuplicates(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2"), record("a2", "3.1")}}
	p, store := newTestPipeline(t, []Provider{strava})

	first, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, domain.SyncSuccess, first.Status)
	require.Equal(t, 2, first.Added)
	require.Zero(t, first.Dupes)

	second, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, domain.SyncSuccess, second.Status)
	require.Zero(t, second.Added)
	require.Equal(t, 2, second.Dupes)

	require.True(t, totalMiles(t, store, "U").Equal(decimal.RequireFromString("8.3")))

	report, err := ledger.NewService(store).Verify(ctx, "U")
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestOutageFlagShortCircuits(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2")}}
	p, store := newTestPipeline(t, []Provider{strava})

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Outage: true})
	require.ErrorIs(t, err, domain.ErrOutage)
	require.Equal(t, domain.SyncOutage, res.Status)
	require.Zero(t, res.Added)
	require.Zero(t, strava.calls.Load(), "outage must not contact the provider")
	require.True(t, totalMiles(t, store, "U").IsZero())

	incidents, _, err := store.ListIncidents(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Equal(t, domain.IncidentError, incidents[0].Type)
	require.Equal(t, "strava", incidents[0].Provider)

	stats, err := store.ProviderStats(ctx, pipelineNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].Outages)
}

func TestRateLimitFlagSignalsTryLater(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2")}}
	p, store := newTestPipeline(t, []Provider{strava})

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{RateLimit: true})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var upstream *domain.UpstreamError
	require.True(t, errors.As(err, &upstream))
	require.Equal(t, simulatedRetryAfter, upstream.RetryAfter)
	require.Equal(t, domain.SyncRateLimited, res.Status)
	require.Equal(t, simulatedRetryAfter, res.RetryAfter)
	require.Zero(t, strava.calls.Load())

	incidents, _, err := store.ListIncidents(ctx, nil, 10)
	require.NoError(t, err)
	require.Equal(t, domain.IncidentWarning, incidents[0].Type)
}

func TestRealUpstreamFailureHasSameShape(t *testing.T) {
	ctx := context.Background()
	failing := &stubProvider{name: "garmin", err: &domain.UpstreamError{Kind: domain.ErrRateLimited, Provider: "garmin", RetryAfter: 5 * time.Second}}
	p, _ := newTestPipeline(t, []Provider{failing})

	res, err := p.SyncUser(ctx, "U", "garmin", domain.SimulationFlags{})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, domain.SyncRateLimited, res.Status)
	require.Equal(t, 5*time.Second, res.RetryAfter)
	require.Equal(t, int32(1), failing.calls.Load())
}

func TestDuplicatesFlagOnPreviouslySeenBatch(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2"), record("a2", "3.1")}}
	p, store := newTestPipeline(t, []Provider{strava})

	_, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Duplicates: true})
	require.NoError(t, err)
	require.Equal(t, domain.SyncSuccess, res.Status)
	require.Zero(t, res.Added)
	require.Equal(t, len(strava.batch), res.Dupes)
	require.True(t, totalMiles(t, store, "U").Equal(decimal.RequireFromString("8.3")))
}

func TestDuplicatesFlagLeavesPartlySeenBatchAlone(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2"), record("a2", "3.1"), record("a3", "1.0")}}
	p, store := newTestPipeline(t, []Provider{strava})

	_, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)

	// Upstream now re-sends a subset of a larger history.
	strava.batch = []ProviderActivity{record("a1", "5.2"), record("a2", "3.1")}
	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Duplicates: true})
	require.NoError(t, err)
	require.Zero(t, res.Added)
	require.Equal(t, len(strava.batch), res.Dupes)

	// A fresh id mixed with a seen one is not padded either.
	strava.batch = []ProviderActivity{record("a1", "5.2"), record("a4", "2.0")}
	res, err = p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Duplicates: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Dupes)
	require.True(t, totalMiles(t, store, "U").Equal(decimal.RequireFromString("11.3")))
}

func TestDuplicatesFlagInjectsSeenRecordsIntoFreshBatch(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatedProvider("sim", 42, 3, func() time.Time { return pipelineNow })
	p, store := newTestPipeline(t, []Provider{sim})

	first, err := p.SyncUser(ctx, "U", "sim", domain.SimulationFlags{Duplicates: true})
	require.NoError(t, err)
	require.Equal(t, 3, first.Added)
	require.Equal(t, 1, first.Dupes)

	second, err := p.SyncUser(ctx, "U", "sim", domain.SimulationFlags{Duplicates: true})
	require.NoError(t, err)
	require.Equal(t, 3, second.Added)
	require.Equal(t, 3, second.Dupes)

	report, err := ledger.NewService(store).Verify(ctx, "U")
	require.NoError(t, err)
	require.True(t, report.Consistent())
}

func TestDelayFlagTagsResult(t *testing.T) {
	ctx := context.Background()
	var slept time.Duration
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "1.5")}}
	p, _ := newTestPipeline(t, []Provider{strava},
		WithChaosDelay(750*time.Millisecond),
		withSleeper(func(_ context.Context, d time.Duration) error {
			slept = d
			return nil
		}),
	)

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Delay: true})
	require.NoError(t, err)
	require.True(t, res.Delayed)
	require.Equal(t, domain.SyncSuccess, res.Status)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 750*time.Millisecond, slept)
}

func TestDelayBeyondTimeoutBecomesOutage(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "1.5")}}
	p, store := newTestPipeline(t, []Provider{strava},
		WithChaosDelay(time.Second),
		WithTimeout(10*time.Millisecond),
		withSleeper(sleepContext),
	)

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{Delay: true})
	require.ErrorIs(t, err, domain.ErrOutage)
	require.Equal(t, domain.SyncOutage, res.Status)
	require.True(t, res.Delayed)
	require.Zero(t, strava.calls.Load())
	require.True(t, totalMiles(t, store, "U").IsZero())
}

func TestInvalidRecordsYieldPartialFailure(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{
		record("a1", "4.0"),
		record("a2", "-1.0"),
		record("", "2.0"),
	}}
	p, store := newTestPipeline(t, []Provider{strava})

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPartialFailure, res.Status)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 2, res.Invalid)
	require.Contains(t, res.Message, "negative miles")
	require.True(t, totalMiles(t, store, "U").Equal(decimal.RequireFromString("4.0")))

	incidents, _, err := store.ListIncidents(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Equal(t, domain.IncidentWarning, incidents[0].Type)
}

func TestRecordsBeyondLedgerPrecisionAreInvalid(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{
		record("a1", "4.125"),
		record("a2", "3.0001"),
		record("a3", "1000000000"),
	}}
	p, store := newTestPipeline(t, []Provider{strava})

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, domain.SyncPartialFailure, res.Status)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 2, res.Invalid)
	require.Contains(t, res.Message, "decimal places")
	require.Contains(t, res.Message, "out of range")
	require.True(t, totalMiles(t, store, "U").Equal(decimal.RequireFromString("4.125")))
}

type failingSyncRunStore struct {
	*memory.Store
}

type failingSyncRunTx struct {
	domain.Tx
}

func (failingSyncRunTx) InsertSyncRun(context.Context, domain.SyncRun) error {
	return errors.New("disk full")
}

func (f failingSyncRunStore) WithinTx(ctx context.Context, fn func(domain.Tx) error) error {
	return f.Store.WithinTx(ctx, func(tx domain.Tx) error {
		return fn(failingSyncRunTx{Tx: tx})
	})
}

func TestStorageFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "5.2"), record("a2", "3.1")}}
	p := NewPipeline(failingSyncRunStore{Store: inner}, []Provider{strava}, WithClock(func() time.Time { return pipelineNow }))

	res, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.Error(t, err)
	require.Zero(t, res.Added)

	page, _, err := inner.ListActivityViews(ctx, "U", nil, 10)
	require.NoError(t, err)
	require.Empty(t, page)
	require.True(t, totalMiles(t, inner, "U").IsZero())
	require.Empty(t, inner.Events())
}

func syncAttempts(t *testing.T, provider, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "mileage_sync_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["provider"] == provider && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRolledBackBatchIsServedAgain(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	sim := NewSimulatedProvider("sim", 11, 3, func() time.Time { return pipelineNow })
	before := syncAttempts(t, "sim", "error")

	failing := NewPipeline(failingSyncRunStore{Store: inner}, []Provider{sim}, WithClock(func() time.Time { return pipelineNow }))
	_, err := failing.SyncUser(ctx, "U", "sim", domain.SimulationFlags{})
	require.Error(t, err)
	require.Equal(t, before+1, syncAttempts(t, "sim", "error"))

	p := NewPipeline(inner, []Provider{sim}, WithClock(func() time.Time { return pipelineNow }))
	res, err := p.SyncUser(ctx, "U", "sim", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Added)

	page, _, err := inner.ListActivityViews(ctx, "U", nil, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(page))
	for _, v := range page {
		ids = append(ids, v.ExternalID)
	}
	require.ElementsMatch(t, []string{"sim-U-000000", "sim-U-000001", "sim-U-000002"}, ids)
}

func TestSyncUserValidatesInput(t *testing.T) {
	p, _ := newTestPipeline(t, []Provider{&stubProvider{name: "strava"}})

	_, err := p.SyncUser(context.Background(), "", "strava", domain.SimulationFlags{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = p.SyncUser(context.Background(), "U", "fitbit", domain.SimulationFlags{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSyncManyPreservesTargetOrder(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatedProvider("sim", 7, 2, func() time.Time { return pipelineNow })
	outage := &stubProvider{name: "down", err: &domain.UpstreamError{Kind: domain.ErrOutage, Provider: "down"}}
	p, store := newTestPipeline(t, []Provider{sim, outage}, WithConcurrency(2))

	targets := []Target{
		{UserID: "u1", Provider: "sim"},
		{UserID: "u2", Provider: "sim"},
		{UserID: "u1", Provider: "down"},
		{UserID: "u3", Provider: "sim"},
	}
	results := p.SyncMany(ctx, targets, domain.SimulationFlags{})
	require.Len(t, results, len(targets))
	for i, res := range results {
		require.Equal(t, targets[i].UserID, res.UserID)
		require.Equal(t, targets[i].Provider, res.Provider)
	}
	require.Equal(t, domain.SyncSuccess, results[0].Status)
	require.Equal(t, 2, results[0].Added)
	require.Equal(t, domain.SyncOutage, results[2].Status)

	ids, err := store.ListUserIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

func TestTokenRefreshedWhenExpired(t *testing.T) {
	ctx := context.Background()
	clock := pipelineNow
	tokens := NewEphemeralTokenSource(time.Minute, func() time.Time { return clock })
	capture := &tokenCapture{stubProvider: stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "1")}}}
	p, _ := newTestPipeline(t, []Provider{capture}, WithTokenSource(tokens), WithClock(func() time.Time { return clock }))

	_, err := p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	first := capture.last
	require.NotEmpty(t, first.Value)

	_, err = p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.Equal(t, first, capture.last, "valid token is reused")

	clock = clock.Add(2 * time.Minute)
	_, err = p.SyncUser(ctx, "U", "strava", domain.SimulationFlags{})
	require.NoError(t, err)
	require.NotEqual(t, first.Value, capture.last.Value)
	require.False(t, capture.last.Expired(clock))
}

type tokenCapture struct {
	stubProvider
	last Token
}

func (c *tokenCapture) FetchActivities(ctx context.Context, req FetchRequest) ([]ProviderActivity, error) {
	c.last = req.Token
	return c.stubProvider.FetchActivities(ctx, req)
}

func TestSyncUsesStoredFlags(t *testing.T) {
	ctx := context.Background()
	strava := &stubProvider{name: "strava", batch: []ProviderActivity{record("a1", "2.0")}}
	p, store := newTestPipeline(t, []Provider{strava})

	require.NoError(t, store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.SaveSimulationFlags(ctx, domain.SimulationFlags{Outage: true})
	}))
	res, err := p.Sync(ctx, "U", "strava")
	require.ErrorIs(t, err, domain.ErrOutage)
	require.Equal(t, domain.SyncOutage, res.Status)

	require.NoError(t, store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.SaveSimulationFlags(ctx, domain.SimulationFlags{})
	}))
	results, err := p.SyncAll(ctx, []Target{{UserID: "U", Provider: "strava"}})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Added)
}
