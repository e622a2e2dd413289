package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
)

// tx mutates the live state; the owning Store holds the write lock.
type tx struct {
	st *state
}

func (t *tx) RegisterDedup(ctx context.Context, key domain.DedupKey, activityID string) (bool, error) {
	if _, exists := t.st.dedup[key]; exists {
		return false, nil
	}
	t.st.dedup[key] = activityID
	return true, nil
}

func (t *tx) InsertActivity(ctx context.Context, activity domain.Activity) error {
	if _, exists := t.st.activities[activity.ID]; exists {
		return fmt.Errorf("activity %s already stored", activity.ID)
	}
	t.st.activities[activity.ID] = activity
	return nil
}

func (t *tx) GetActivityView(ctx context.Context, activityID string) (*domain.ActivityView, error) {
	return t.st.view(activityID), nil
}

func (t *tx) InsertCorrection(ctx context.Context, correction domain.Correction) error {
	if _, ok := t.st.activities[correction.ActivityID]; !ok {
		return fmt.Errorf("correction references unknown activity %s", correction.ActivityID)
	}
	t.st.corrections[correction.ActivityID] = append(t.st.corrections[correction.ActivityID], correction)
	return nil
}

func (t *tx) AdjustAggregate(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) error {
	agg := t.st.aggregate(userID)
	agg.TotalMiles = agg.TotalMiles.Add(delta)
	agg.UpdatedAt = at
	t.st.aggregates[userID] = agg
	return nil
}

func (t *tx) GetAggregate(ctx context.Context, userID string) (domain.UserAggregate, error) {
	return t.st.aggregate(userID), nil
}

func (t *tx) SetAggregate(ctx context.Context, aggregate domain.UserAggregate) error {
	t.st.aggregates[aggregate.UserID] = aggregate
	return nil
}

func (t *tx) SumEffectiveMiles(ctx context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range t.st.activities {
		if a.UserID != userID {
			continue
		}
		total = total.Add(domain.NewActivityView(a, t.st.corrections[a.ID]).EffectiveMiles)
	}
	return total, nil
}

func (t *tx) InsertAction(ctx context.Context, action domain.UserAction) error {
	t.st.actions[action.ID] = action
	return nil
}

func (t *tx) LockAction(ctx context.Context, actionID string) (*domain.UserAction, error) {
	action, ok := t.st.actions[actionID]
	if !ok {
		return nil, nil
	}
	return &action, nil
}

func (t *tx) DeleteAction(ctx context.Context, actionID string) error {
	delete(t.st.actions, actionID)
	return nil
}

func (t *tx) InsertNote(ctx context.Context, note domain.Note) error {
	t.st.notes[note.ID] = note
	return nil
}

func (t *tx) DeleteNote(ctx context.Context, noteID string) (bool, error) {
	if _, ok := t.st.notes[noteID]; !ok {
		return false, nil
	}
	delete(t.st.notes, noteID)
	return true, nil
}

func (t *tx) EnsureUser(ctx context.Context, userID string, at time.Time) error {
	if _, ok := t.st.users[userID]; !ok {
		t.st.users[userID] = domain.User{ID: userID, CreatedAt: at}
	}
	return nil
}

func (t *tx) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (t *tx) SetContacted(ctx context.Context, userID string, at time.Time) error {
	u, ok := t.st.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Contacted = true
	u.ContactedAt = &at
	t.st.users[userID] = u
	return nil
}

func (t *tx) AppendIncident(ctx context.Context, incident domain.Incident) error {
	t.st.incidents = append(t.st.incidents, incident)
	return nil
}

func (t *tx) ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time) (*domain.Incident, error) {
	for i := range t.st.incidents {
		if t.st.incidents[i].ID != incidentID {
			continue
		}
		inc := &t.st.incidents[i]
		if !inc.Acknowledged {
			inc.Acknowledged = true
			inc.ResolvedBy = resolvedBy
			inc.ResolvedAt = &at
		}
		out := *inc
		return &out, nil
	}
	return nil, nil
}

func (t *tx) AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error {
	t.st.audit = append(t.st.audit, entry)
	return nil
}

func (t *tx) LoadSimulationFlags(ctx context.Context) (domain.SimulationFlags, error) {
	return t.st.flags, nil
}

func (t *tx) SaveSimulationFlags(ctx context.Context, flags domain.SimulationFlags) error {
	t.st.flags = flags
	return nil
}

func (t *tx) InsertSyncRun(ctx context.Context, run domain.SyncRun) error {
	t.st.syncRuns = append(t.st.syncRuns, run)
	return nil
}

func (t *tx) EnqueueEvent(ctx context.Context, event domain.Event) error {
	t.st.outbox = append(t.st.outbox, event)
	return nil
}
