package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
)

type pgTx struct {
	tx pgx.Tx
}

// RegisterDedup claims the key inside a savepoint so a constraint failure
// leaves the enclosing transaction usable.
func (t *pgTx) RegisterDedup(ctx context.Context, key domain.DedupKey, activityID string) (bool, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return false, err
	}
	_, err = sp.Exec(ctx, `INSERT INTO dedup_index (provider, external_id, activity_id) VALUES ($1,$2,$3)`,
		key.Provider, key.ExternalID, activityID)
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, sp.Commit(ctx)
}

func (t *pgTx) InsertActivity(ctx context.Context, a domain.Activity) error {
	const stmt = `INSERT INTO activities (activity_id, user_id, provider, external_id, base_miles, duration_sec, started_at, created_at)
        VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8)`
	_, err := t.tx.Exec(ctx, stmt, a.ID, a.UserID, a.Provider, a.ExternalID, a.BaseMiles.String(),
		int64(a.Duration/time.Second), a.StartedAt, a.CreatedAt)
	return err
}

func (t *pgTx) GetActivityView(ctx context.Context, activityID string) (*domain.ActivityView, error) {
	return getActivityView(ctx, t.tx, activityID)
}

func (t *pgTx) InsertCorrection(ctx context.Context, c domain.Correction) error {
	const stmt = `INSERT INTO corrections (correction_id, activity_id, user_id, delta_miles, reason, source, created_at)
        VALUES ($1,$2,$3,$4::numeric,$5,$6,$7)`
	_, err := t.tx.Exec(ctx, stmt, c.ID, c.ActivityID, c.UserID, c.DeltaMiles.String(), c.Reason, string(c.Source), c.CreatedAt)
	return err
}

func (t *pgTx) AdjustAggregate(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) error {
	const stmt = `INSERT INTO user_aggregates (user_id, total_miles, updated_at) VALUES ($1, $2::numeric, $3)
        ON CONFLICT (user_id) DO UPDATE SET total_miles = user_aggregates.total_miles + EXCLUDED.total_miles, updated_at = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, stmt, userID, delta.String(), at)
	return err
}

func (t *pgTx) GetAggregate(ctx context.Context, userID string) (domain.UserAggregate, error) {
	return getAggregate(ctx, t.tx, userID, true)
}

func (t *pgTx) SetAggregate(ctx context.Context, agg domain.UserAggregate) error {
	const stmt = `INSERT INTO user_aggregates (user_id, total_miles, updated_at) VALUES ($1, $2::numeric, $3)
        ON CONFLICT (user_id) DO UPDATE SET total_miles = EXCLUDED.total_miles, updated_at = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, stmt, agg.UserID, agg.TotalMiles.String(), agg.UpdatedAt)
	return err
}

func (t *pgTx) SumEffectiveMiles(ctx context.Context, userID string) (decimal.Decimal, error) {
	const query = `SELECT
            COALESCE((SELECT SUM(base_miles) FROM activities WHERE user_id = $1), 0)
          + COALESCE((SELECT SUM(c.delta_miles) FROM corrections c
                JOIN activities a ON a.activity_id = c.activity_id
                WHERE a.user_id = $1), 0)`
	var total decimal.Decimal
	if err := t.tx.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *pgTx) InsertAction(ctx context.Context, a domain.UserAction) error {
	const stmt = `INSERT INTO user_actions (action_id, user_id, action_type, payload, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := t.tx.Exec(ctx, stmt, a.ID, a.UserID, string(a.Type), a.Payload, a.CreatedAt, a.ExpiresAt)
	return err
}

func (t *pgTx) LockAction(ctx context.Context, actionID string) (*domain.UserAction, error) {
	const query = `SELECT action_id, user_id, action_type, payload, created_at, expires_at
        FROM user_actions WHERE action_id = $1 FOR UPDATE`
	var (
		a          domain.UserAction
		actionType string
	)
	err := t.tx.QueryRow(ctx, query, actionID).Scan(&a.ID, &a.UserID, &actionType, &a.Payload, &a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Type = domain.ActionType(actionType)
	return &a, nil
}

func (t *pgTx) DeleteAction(ctx context.Context, actionID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM user_actions WHERE action_id = $1`, actionID)
	return err
}

func (t *pgTx) InsertNote(ctx context.Context, n domain.Note) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO activity_notes (note_id, activity_id, user_id, body, created_at) VALUES ($1,$2,$3,$4,$5)`,
		n.ID, n.ActivityID, n.UserID, n.Body, n.CreatedAt)
	return err
}

func (t *pgTx) DeleteNote(ctx context.Context, noteID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM activity_notes WHERE note_id = $1`, noteID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) EnsureUser(ctx context.Context, userID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO users (user_id, created_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`, userID, at)
	return err
}

func (t *pgTx) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := t.tx.QueryRow(ctx, `SELECT user_id, contacted, contacted_at, created_at FROM users WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&u.ID, &u.Contacted, &u.ContactedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) SetContacted(ctx context.Context, userID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET contacted = TRUE, contacted_at = $2 WHERE user_id = $1`, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendIncident(ctx context.Context, inc domain.Incident) error {
	const stmt = `INSERT INTO incidents (incident_id, msg, incident_type, user_id, provider, acknowledged, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := t.tx.Exec(ctx, stmt, inc.ID, inc.Msg, string(inc.Type), nullIfEmpty(inc.UserID), nullIfEmpty(inc.Provider),
		inc.Acknowledged, inc.TS)
	return err
}

// ResolveIncident acknowledges the incident once; later calls return it unchanged.
func (t *pgTx) ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time) (*domain.Incident, error) {
	const stmt = `UPDATE incidents
        SET acknowledged = TRUE,
            resolved_by = CASE WHEN acknowledged THEN resolved_by ELSE $2 END,
            resolved_at = CASE WHEN acknowledged THEN resolved_at ELSE $3 END
        WHERE incident_id = $1
        RETURNING incident_id, msg, incident_type, user_id, provider, acknowledged, resolved_by, resolved_at, created_at`
	inc, err := scanIncident(t.tx.QueryRow(ctx, stmt, incidentID, resolvedBy, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inc, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e domain.AuditLogEntry) error {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO audit_log (entry_id, action, target_id, actor, meta, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Action, e.TargetID, e.Actor, meta, e.TS)
	return err
}

func (t *pgTx) LoadSimulationFlags(ctx context.Context) (domain.SimulationFlags, error) {
	return loadFlags(ctx, t.tx, true)
}

func (t *pgTx) SaveSimulationFlags(ctx context.Context, f domain.SimulationFlags) error {
	const stmt = `INSERT INTO simulation_flags (id, rate_limit, delay, duplicates, outage, updated_at) VALUES (1,$1,$2,$3,$4,$5)
        ON CONFLICT (id) DO UPDATE SET rate_limit = EXCLUDED.rate_limit, delay = EXCLUDED.delay,
            duplicates = EXCLUDED.duplicates, outage = EXCLUDED.outage, updated_at = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, stmt, f.RateLimit, f.Delay, f.Duplicates, f.Outage, f.UpdatedAt)
	return err
}

func (t *pgTx) InsertSyncRun(ctx context.Context, r domain.SyncRun) error {
	const stmt = `INSERT INTO sync_runs (run_id, user_id, provider, status, added, dupes, delayed, message, started_at, finished_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := t.tx.Exec(ctx, stmt, r.ID, r.UserID, r.Provider, string(r.Status), r.Added, r.Dupes, r.Delayed, r.Message,
		r.StartedAt, r.FinishedAt)
	return err
}

// EnqueueEvent writes the event to the outbox for the dispatcher to publish.
func (t *pgTx) EnqueueEvent(ctx context.Context, event domain.Event) error {
	meta, ok := events.Lookup(event.Type)
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	partitionKey := event.UserID
	if partitionKey == "" {
		partitionKey = event.AggregateID
	}
	aggregateType, _, _ := strings.Cut(event.Type, ".")
	dedupeKey := fmt.Sprintf("%s:%s", event.AggregateID, event.Type)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`
	_, err = t.tx.Exec(ctx, stmt, aggregateType, event.AggregateID, event.Type, meta.Topic, meta.SchemaSubject, partitionKey, body, dedupeKey)
	return err
}
