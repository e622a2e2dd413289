package ops

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
)

const (
	recentIncidentLimit = 10
	quietListLimit      = 25

	healthHealthy  = "healthy"
	healthDegraded = "degraded"
	healthDown     = "down"
	healthIdle     = "idle"
)

// ProviderHealth summarises recent sync attempts against one provider.
type ProviderHealth struct {
	Provider      string
	Status        string
	Attempts      int
	SuccessRate   float64
	RateLimited   int
	Outages       int
	Partial       int
	Delayed       int
	Added         int
	Dupes         int
	LastStatus    domain.SyncStatus
	LastAttemptAt *time.Time
}

// ScheduledSync describes when the scheduler is next due to poll a provider.
type ScheduledSync struct {
	Provider      string
	Interval      time.Duration
	LastAttemptAt *time.Time
	NextDueAt     time.Time
}

// DataHealth reports ledger volume and freshness.
type DataHealth struct {
	Users            int
	Activities       int
	Corrections      int
	OpenUndoWindows  int
	UnresolvedErrors int
	LastActivityAt   *time.Time
	IngestLag        time.Duration
	Flags            domain.SimulationFlags
}

// Dashboard is the read-only ops overview.
type Dashboard struct {
	GeneratedAt     time.Time
	ActiveUsers     int
	TotalMiles      decimal.Decimal
	ProviderHealth  []ProviderHealth
	QuietList       []QuietUser
	RecentIncidents []domain.Incident
	ScheduledSyncs  []ScheduledSync
	DataHealth      DataHealth
}

// DashboardMetrics aggregates the cache, sync history, incident feed and quiet
// users. Missing data yields zero values, never an error.
func (s *Service) DashboardMetrics(ctx context.Context) (Dashboard, error) {
	now := s.now()
	since := now.Add(-s.activeWindow)

	totals, err := s.store.LedgerTotals(ctx, now)
	if err != nil {
		return Dashboard{}, err
	}
	active, err := s.store.CountActiveUsers(ctx, since)
	if err != nil {
		return Dashboard{}, err
	}
	stats, err := s.store.ProviderStats(ctx, since)
	if err != nil {
		return Dashboard{}, err
	}
	quiet, err := s.QuietUsers(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	if len(quiet) > quietListLimit {
		quiet = quiet[:quietListLimit]
	}
	incidents, _, err := s.store.ListIncidents(ctx, nil, recentIncidentLimit)
	if err != nil {
		return Dashboard{}, err
	}
	if incidents == nil {
		incidents = []domain.Incident{}
	}
	flags, err := s.store.SimulationFlags(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	health := make([]ProviderHealth, 0, len(stats))
	for _, st := range stats {
		health = append(health, providerHealth(st))
	}

	dataHealth := DataHealth{
		Users:            totals.Users,
		Activities:       totals.Activities,
		Corrections:      totals.Corrections,
		OpenUndoWindows:  totals.OpenUndoWindows,
		UnresolvedErrors: totals.UnresolvedErrors,
		LastActivityAt:   totals.LastActivityAt,
		Flags:            flags,
	}
	if totals.LastActivityAt != nil {
		dataHealth.IngestLag = now.Sub(*totals.LastActivityAt)
	}

	return Dashboard{
		GeneratedAt:     now,
		ActiveUsers:     active,
		TotalMiles:      totals.TotalMiles,
		ProviderHealth:  health,
		QuietList:       quiet,
		RecentIncidents: incidents,
		ScheduledSyncs:  s.scheduledSyncs(now, stats),
		DataHealth:      dataHealth,
	}, nil
}

func providerHealth(st domain.ProviderStats) ProviderHealth {
	h := ProviderHealth{
		Provider:      st.Provider,
		Attempts:      st.Attempts,
		RateLimited:   st.RateLimited,
		Outages:       st.Outages,
		Partial:       st.Partial,
		Delayed:       st.Delayed,
		Added:         st.Added,
		Dupes:         st.Dupes,
		LastStatus:    st.LastStatus,
		LastAttemptAt: st.LastAttemptAt,
	}
	if st.Attempts == 0 {
		h.Status = healthIdle
		return h
	}
	h.SuccessRate = float64(st.Successes) / float64(st.Attempts)
	switch {
	case st.LastStatus == domain.SyncOutage:
		h.Status = healthDown
	case st.LastStatus != domain.SyncSuccess || h.SuccessRate < 0.8:
		h.Status = healthDegraded
	default:
		h.Status = healthHealthy
	}
	return h
}

func (s *Service) scheduledSyncs(now time.Time, stats []domain.ProviderStats) []ScheduledSync {
	last := make(map[string]*time.Time, len(stats))
	for _, st := range stats {
		last[st.Provider] = st.LastAttemptAt
	}

	out := make([]ScheduledSync, 0, len(s.scheduledProviders))
	for _, provider := range s.scheduledProviders {
		sched := ScheduledSync{Provider: provider, Interval: s.syncInterval, NextDueAt: now}
		if at := last[provider]; at != nil {
			sched.LastAttemptAt = at
			if next := at.Add(s.syncInterval); next.After(now) {
				sched.NextDueAt = next
			}
		}
		out = append(out, sched)
	}
	return out
}
