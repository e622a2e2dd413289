// Package memory provides an in-process Store for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/persistence"
)

type state struct {
	activities  map[string]domain.Activity
	dedup       map[domain.DedupKey]string
	corrections map[string][]domain.Correction
	aggregates  map[string]domain.UserAggregate
	actions     map[string]domain.UserAction
	notes       map[string]domain.Note
	users       map[string]domain.User
	incidents   []domain.Incident
	audit       []domain.AuditLogEntry
	flags       domain.SimulationFlags
	syncRuns    []domain.SyncRun
	outbox      []domain.Event
}

func newState() state {
	return state{
		activities:  make(map[string]domain.Activity),
		dedup:       make(map[domain.DedupKey]string),
		corrections: make(map[string][]domain.Correction),
		aggregates:  make(map[string]domain.UserAggregate),
		actions:     make(map[string]domain.UserAction),
		notes:       make(map[string]domain.Note),
		users:       make(map[string]domain.User),
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.activities {
		out.activities[k] = v
	}
	for k, v := range s.dedup {
		out.dedup[k] = v
	}
	for k, v := range s.corrections {
		out.corrections[k] = append([]domain.Correction(nil), v...)
	}
	for k, v := range s.aggregates {
		out.aggregates[k] = v
	}
	for k, v := range s.actions {
		out.actions[k] = v
	}
	for k, v := range s.notes {
		out.notes[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	out.incidents = append([]domain.Incident(nil), s.incidents...)
	out.audit = append([]domain.AuditLogEntry(nil), s.audit...)
	out.flags = s.flags
	out.syncRuns = append([]domain.SyncRun(nil), s.syncRuns...)
	out.outbox = append([]domain.Event(nil), s.outbox...)
	return out
}

// Store keeps all state behind one lock. A unit of work holds the write lock
// for its whole duration and restores a snapshot when it fails.
type Store struct {
	mu    sync.RWMutex
	state state
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx implements domain.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&tx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Events returns a copy of the outbox, oldest first.
func (s *Store) Events() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.state.outbox...)
}

// DeleteExpiredActions implements domain.Store.
func (s *Store) DeleteExpiredActions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, action := range s.state.actions {
		if action.Expired(now) {
			delete(s.state.actions, id)
			removed++
		}
	}
	return removed, nil
}

// GetActivityView implements domain.Reader.
func (s *Store) GetActivityView(ctx context.Context, activityID string) (*domain.ActivityView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.view(activityID), nil
}

// ListActivityViews implements domain.Reader.
func (s *Store) ListActivityViews(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivityView, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.state.activitiesFor(userID, "")
	results := make([]domain.ActivityView, 0, limit)
	for _, a := range owned {
		if !persistence.Before(cursor, a.StartedAt, a.ID) {
			continue
		}
		results = append(results, domain.NewActivityView(a, s.state.corrections[a.ID]))
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{At: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// RecentActivities implements domain.Reader.
func (s *Store) RecentActivities(ctx context.Context, userID, provider string, limit int) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.state.activitiesFor(userID, provider)
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

// KnownExternalIDs implements domain.Reader.
func (s *Store) KnownExternalIDs(ctx context.Context, provider string, externalIDs []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := make(map[string]struct{})
	for _, id := range externalIDs {
		if _, ok := s.state.dedup[domain.DedupKey{Provider: provider, ExternalID: id}]; ok {
			known[id] = struct{}{}
		}
	}
	return known, nil
}

// GetAggregate implements domain.Reader.
func (s *Store) GetAggregate(ctx context.Context, userID string) (domain.UserAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.aggregate(userID), nil
}

// ListUserIDs implements domain.Reader.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.state.users))
	for id := range s.state.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// UserRecency implements domain.Reader.
func (s *Store) UserRecency(ctx context.Context) ([]domain.UserRecency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]time.Time)
	for _, a := range s.state.activities {
		if a.StartedAt.After(latest[a.UserID]) {
			latest[a.UserID] = a.StartedAt
		}
	}

	out := make([]domain.UserRecency, 0, len(s.state.users))
	for _, u := range s.state.users {
		r := domain.UserRecency{UserID: u.ID, Contacted: u.Contacted, CreatedAt: u.CreatedAt}
		if ts, ok := latest[u.ID]; ok {
			r.LastActivityAt = &ts
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ListIncidents implements domain.Reader.
func (s *Store) ListIncidents(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Incident, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := append([]domain.Incident(nil), s.state.incidents...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TS.Equal(sorted[j].TS) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].TS.After(sorted[j].TS)
	})

	items := make([]domain.Incident, 0, limit)
	for _, inc := range sorted {
		if !persistence.Before(cursor, inc.TS, inc.ID) {
			continue
		}
		items = append(items, inc)
		if len(items) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(items) == limit {
		last := items[len(items)-1]
		next = &domain.Cursor{At: last.TS, ID: last.ID}
	}
	return items, next, nil
}

// RecentAuditLogs implements domain.Reader.
func (s *Store) RecentAuditLogs(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLogEntry, 0, limit)
	for i := len(s.state.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.state.audit[i])
	}
	return out, nil
}

// SimulationFlags implements domain.Reader.
func (s *Store) SimulationFlags(ctx context.Context) (domain.SimulationFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.flags, nil
}

// ProviderStats implements domain.Reader.
func (s *Store) ProviderStats(ctx context.Context, since time.Time) ([]domain.ProviderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProvider := make(map[string]*domain.ProviderStats)
	for _, run := range s.state.syncRuns {
		if run.StartedAt.Before(since) {
			continue
		}
		st, ok := byProvider[run.Provider]
		if !ok {
			st = &domain.ProviderStats{Provider: run.Provider}
			byProvider[run.Provider] = st
		}
		st.Attempts++
		st.Added += run.Added
		st.Dupes += run.Dupes
		if run.Delayed {
			st.Delayed++
		}
		switch run.Status {
		case domain.SyncSuccess:
			st.Successes++
		case domain.SyncRateLimited:
			st.RateLimited++
		case domain.SyncOutage:
			st.Outages++
		case domain.SyncPartialFailure:
			st.Partial++
		}
		if st.LastAttemptAt == nil || !run.StartedAt.Before(*st.LastAttemptAt) {
			at := run.StartedAt
			st.LastAttemptAt = &at
			st.LastStatus = run.Status
		}
	}

	out := make([]domain.ProviderStats, 0, len(byProvider))
	for _, st := range byProvider {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// LedgerTotals implements domain.Reader.
func (s *Store) LedgerTotals(ctx context.Context, now time.Time) (domain.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.LedgerTotals{
		Users:      len(s.state.users),
		Activities: len(s.state.activities),
		TotalMiles: decimal.Zero,
	}
	for _, cs := range s.state.corrections {
		totals.Corrections += len(cs)
	}
	for _, agg := range s.state.aggregates {
		totals.TotalMiles = totals.TotalMiles.Add(agg.TotalMiles)
	}
	for _, action := range s.state.actions {
		if !action.Expired(now) {
			totals.OpenUndoWindows++
		}
	}
	for _, inc := range s.state.incidents {
		if inc.Type == domain.IncidentError && !inc.Acknowledged {
			totals.UnresolvedErrors++
		}
	}
	for _, a := range s.state.activities {
		if totals.LastActivityAt == nil || a.StartedAt.After(*totals.LastActivityAt) {
			at := a.StartedAt
			totals.LastActivityAt = &at
		}
	}
	return totals, nil
}

// CountActiveUsers implements domain.Reader.
func (s *Store) CountActiveUsers(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make(map[string]struct{})
	for _, a := range s.state.activities {
		if !a.StartedAt.Before(since) {
			active[a.UserID] = struct{}{}
		}
	}
	return len(active), nil
}

func (s *state) view(activityID string) *domain.ActivityView {
	a, ok := s.activities[activityID]
	if !ok {
		return nil
	}
	v := domain.NewActivityView(a, s.corrections[activityID])
	return &v
}

func (s *state) aggregate(userID string) domain.UserAggregate {
	agg, ok := s.aggregates[userID]
	if !ok {
		return domain.UserAggregate{UserID: userID, TotalMiles: decimal.Zero}
	}
	return agg
}

// activitiesFor returns the user's activities newest first, optionally
// filtered by provider.
func (s *state) activitiesFor(userID, provider string) []domain.Activity {
	out := make([]domain.Activity, 0)
	for _, a := range s.activities {
		if a.UserID != userID {
			continue
		}
		if provider != "" && a.Provider != provider {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
