package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
	"example.com/mileage/internal/persistence/memory"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store, *stepClock) {
	t.Helper()
	store := memory.NewStore()
	clock := &stepClock{now: time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(store, opts...), store, clock
}

func TestIncidentsPaginateWithOpaqueCursor(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	for _, msg := range []string{"first", "second", "third"} {
		_, err := svc.LogIncident(ctx, msg, domain.IncidentWarning, ForProvider("strava"))
		require.NoError(t, err)
	}

	page, err := svc.Incidents(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "third", page.Items[0].Msg)
	require.Equal(t, "second", page.Items[1].Msg)
	require.NotEmpty(t, page.NextCursor)

	page, err = svc.Incidents(ctx, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "first", page.Items[0].Msg)
	require.Equal(t, "strava", page.Items[0].Provider)
	require.Empty(t, page.NextCursor)

	_, err = svc.Incidents(ctx, "%%%", 2)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	require.Len(t, store.Events(), 3)
	require.Equal(t, events.TypeIncidentLogged, store.Events()[0].Type)
}

func TestLogIncidentValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.LogIncident(context.Background(), "", domain.IncidentInfo)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.LogIncident(context.Background(), "boom", domain.IncidentType("fatal"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResolveIncidentAcknowledgesAndAudits(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	inc, err := svc.LogIncident(ctx, "provider down", domain.IncidentError)
	require.NoError(t, err)

	resolved, err := svc.ResolveIncident(ctx, inc.ID, "ops-alice")
	require.NoError(t, err)
	require.True(t, resolved.Acknowledged)
	require.Equal(t, "ops-alice", resolved.ResolvedBy)

	again, err := svc.ResolveIncident(ctx, inc.ID, "ops-bob")
	require.NoError(t, err)
	require.Equal(t, "ops-alice", again.ResolvedBy)

	page, err := svc.Incidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "resolving never deletes")

	audit, err := svc.RecentAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, "incident.resolve", audit[0].Action)
	require.Equal(t, "ops-bob", audit[0].Actor)

	_, err = svc.ResolveIncident(ctx, "missing", "ops-alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetSimulationFlagsEmitsIncidentPerTransition(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	flags, err := svc.SetSimulationFlags(ctx, domain.SimulationFlags{Outage: true, Duplicates: true}, "ops-alice")
	require.NoError(t, err)
	require.True(t, flags.Outage)
	require.False(t, flags.UpdatedAt.IsZero())

	page, err := svc.Incidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	types := map[domain.IncidentType]int{}
	for _, inc := range page.Items {
		types[inc.Type]++
	}
	require.Equal(t, 1, types[domain.IncidentError])
	require.Equal(t, 1, types[domain.IncidentWarning])

	// Re-submitting the same flags changes nothing.
	_, err = svc.SetSimulationFlags(ctx, domain.SimulationFlags{Outage: true, Duplicates: true}, "ops-alice")
	require.NoError(t, err)
	page, err = svc.Incidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	_, err = svc.SetSimulationFlags(ctx, domain.SimulationFlags{Duplicates: true}, "ops-alice")
	require.NoError(t, err)
	page, err = svc.Incidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	require.Equal(t, domain.IncidentInfo, page.Items[0].Type)

	audit, err := svc.RecentAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)

	current, err := svc.SimulationFlags(ctx)
	require.NoError(t, err)
	require.False(t, current.Outage)
	require.True(t, current.Duplicates)
}

func TestDetectQuietUsers(t *testing.T) {
	now := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * 24 * time.Hour)
	stale := now.Add(-20 * 24 * time.Hour)
	older := now.Add(-40 * 24 * time.Hour)

	users := []domain.UserRecency{
		{UserID: "active", LastActivityAt: &recent, CreatedAt: older},
		{UserID: "stale", LastActivityAt: &stale, CreatedAt: older},
		{UserID: "contacted", LastActivityAt: &older, Contacted: true, CreatedAt: older},
		{UserID: "never-synced", CreatedAt: older},
		{UserID: "new", CreatedAt: now.Add(-time.Hour)},
	}

	quiet := DetectQuietUsers(now, 14*24*time.Hour, users)
	require.Len(t, quiet, 2)
	require.Equal(t, "never-synced", quiet[0].UserID)
	require.Nil(t, quiet[0].LastActivityAt)
	require.Equal(t, "stale", quiet[1].UserID)
	require.Equal(t, 20*24*time.Hour, quiet[1].IdleFor)

	require.Empty(t, DetectQuietUsers(now, 14*24*time.Hour, nil))
}

func TestHandleQuietUserWritesAuditAndIncident(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, WithQuietThreshold(time.Hour))

	require.NoError(t, store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.EnsureUser(ctx, "u1", clock.now.Add(-48*time.Hour))
	}))

	quiet, err := svc.QuietUsers(ctx)
	require.NoError(t, err)
	require.Len(t, quiet, 1)

	require.NoError(t, svc.HandleQuietUser(ctx, "u1", QuietActionNudge, "ops-alice"))

	quiet, err = svc.QuietUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, quiet)

	audit, err := svc.RecentAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, "quiet_user.nudge", audit[0].Action)

	page, err := svc.Incidents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "u1", page.Items[0].UserID)
}

func TestHandleQuietUserRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	require.ErrorIs(t, svc.HandleQuietUser(ctx, "u1", QuietAction("ignore"), "ops"), domain.ErrInvalidInput)
	require.ErrorIs(t, svc.HandleQuietUser(ctx, "ghost", QuietActionResolve, "ops"), domain.ErrNotFound)

	audit, err := svc.RecentAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, audit)
}

type failingAuditStore struct {
	*memory.Store
}

type failingAuditTx struct {
	domain.Tx
}

func (f failingAuditTx) AppendAudit(context.Context, domain.AuditLogEntry) error {
	return errors.New("audit unavailable")
}

func (f failingAuditStore) WithinTx(ctx context.Context, fn func(domain.Tx) error) error {
	return f.Store.WithinTx(ctx, func(tx domain.Tx) error {
		return fn(failingAuditTx{Tx: tx})
	})
}

func TestHandleQuietUserIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, inner.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.EnsureUser(ctx, "u1", now.Add(-30*24*time.Hour))
	}))

	svc := NewService(failingAuditStore{Store: inner}, WithClock(func() time.Time { return now }))
	require.Error(t, svc.HandleQuietUser(ctx, "u1", QuietActionNudge, "ops"))

	recency, err := inner.UserRecency(ctx)
	require.NoError(t, err)
	require.False(t, recency[0].Contacted)

	incidents, _, err := inner.ListIncidents(ctx, nil, 10)
	require.NoError(t, err)
	require.Empty(t, incidents)
}

// incidentsCounted sums the incident counter across severities.
func incidentsCounted(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "mileage_ops_incidents_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestIncidentMetricCountsOnlyCommittedIncidents(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	before := incidentsCounted(t)

	failing := NewService(failingAuditStore{Store: inner}, WithClock(func() time.Time { return now }))
	_, err := failing.SetSimulationFlags(ctx, domain.SimulationFlags{Outage: true}, "ops")
	require.Error(t, err)

	incidents, _, err := inner.ListIncidents(ctx, nil, 10)
	require.NoError(t, err)
	require.Empty(t, incidents)
	require.Equal(t, before, incidentsCounted(t))

	svc := NewService(inner, WithClock(func() time.Time { return now }))
	_, err = svc.SetSimulationFlags(ctx, domain.SimulationFlags{Outage: true}, "ops")
	require.NoError(t, err)
	require.Equal(t, before+1, incidentsCounted(t))
}

func TestDashboardMetricsToleratesEmptyData(t *testing.T) {
	svc, _, _ := newTestService(t, WithSyncSchedule([]string{"strava"}, 10*time.Minute))

	dash, err := svc.DashboardMetrics(context.Background())
	require.NoError(t, err)
	require.Zero(t, dash.ActiveUsers)
	require.True(t, dash.TotalMiles.IsZero())
	require.Empty(t, dash.ProviderHealth)
	require.Empty(t, dash.QuietList)
	require.NotNil(t, dash.RecentIncidents)
	require.Len(t, dash.ScheduledSyncs, 1)
	require.Nil(t, dash.ScheduledSyncs[0].LastAttemptAt)
	require.Nil(t, dash.DataHealth.LastActivityAt)
}

func TestDashboardMetricsSummarisesProviders(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t, WithSyncSchedule([]string{"strava", "garmin"}, time.Hour))
	at := clock.now

	require.NoError(t, store.WithinTx(ctx, func(tx domain.Tx) error {
		runs := []domain.SyncRun{
			{ID: "r1", UserID: "u1", Provider: "strava", Status: domain.SyncSuccess, Added: 2, StartedAt: at.Add(-3 * time.Minute)},
			{ID: "r2", UserID: "u1", Provider: "strava", Status: domain.SyncSuccess, Dupes: 1, StartedAt: at.Add(-2 * time.Minute)},
			{ID: "r3", UserID: "u2", Provider: "garmin", Status: domain.SyncOutage, StartedAt: at.Add(-time.Minute)},
		}
		for _, run := range runs {
			if err := tx.InsertSyncRun(ctx, run); err != nil {
				return err
			}
		}
		return nil
	}))

	dash, err := svc.DashboardMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, dash.ProviderHealth, 2)

	byProvider := map[string]ProviderHealth{}
	for _, h := range dash.ProviderHealth {
		byProvider[h.Provider] = h
	}
	require.Equal(t, healthHealthy, byProvider["strava"].Status)
	require.Equal(t, 2, byProvider["strava"].Added)
	require.Equal(t, 1, byProvider["strava"].Dupes)
	require.Equal(t, healthDown, byProvider["garmin"].Status)

	require.Len(t, dash.ScheduledSyncs, 2)
	require.True(t, dash.ScheduledSyncs[0].NextDueAt.After(at))
}
