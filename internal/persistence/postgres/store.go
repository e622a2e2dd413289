// Package postgres implements domain.Store on top of pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides Postgres-backed persistence for the ledger and ops data.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinTx runs fn inside a single database transaction. Any error returned by
// fn rolls back every statement it issued.
func (s *Store) WithinTx(ctx context.Context, fn func(domain.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// DeleteExpiredActions removes undo windows that can no longer be used.
func (s *Store) DeleteExpiredActions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_actions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const activityViewColumns = `a.activity_id, a.user_id, a.provider, a.external_id, a.base_miles, a.duration_sec, a.started_at, a.created_at,
        COUNT(c.correction_id), COALESCE(SUM(c.delta_miles), 0)`

func getActivityView(ctx context.Context, q querier, activityID string) (*domain.ActivityView, error) {
	query := `SELECT ` + activityViewColumns + `
        FROM activities a LEFT JOIN corrections c ON c.activity_id = a.activity_id
        WHERE a.activity_id = $1
        GROUP BY a.activity_id`

	view, err := scanActivityView(q.QueryRow(ctx, query, activityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return view, nil
}

func scanActivityView(row pgx.Row) (*domain.ActivityView, error) {
	var (
		v           domain.ActivityView
		durationSec int64
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.Provider, &v.ExternalID, &v.BaseMiles, &durationSec, &v.StartedAt, &v.CreatedAt,
		&v.CorrectionsCount, &v.TotalCorrection); err != nil {
		return nil, err
	}
	v.Duration = time.Duration(durationSec) * time.Second
	v.EffectiveMiles = v.BaseMiles.Add(v.TotalCorrection)
	return &v, nil
}

func getAggregate(ctx context.Context, q querier, userID string, forUpdate bool) (domain.UserAggregate, error) {
	query := `SELECT user_id, total_miles, updated_at FROM user_aggregates WHERE user_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var agg domain.UserAggregate
	if err := q.QueryRow(ctx, query, userID).Scan(&agg.UserID, &agg.TotalMiles, &agg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserAggregate{UserID: userID, TotalMiles: decimal.Zero}, nil
		}
		return domain.UserAggregate{}, err
	}
	return agg, nil
}

// GetActivityView implements domain.Reader.
func (s *Store) GetActivityView(ctx context.Context, activityID string) (*domain.ActivityView, error) {
	return getActivityView(ctx, s.pool, activityID)
}

// ListActivityViews returns the user's activities newest first with keyset pagination.
func (s *Store) ListActivityViews(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivityView, *domain.Cursor, error) {
	args := []any{userID, limit}
	query := `SELECT ` + activityViewColumns + `
        FROM activities a LEFT JOIN corrections c ON c.activity_id = a.activity_id
        WHERE a.user_id = $1`
	if cursor != nil {
		query += ` AND (a.started_at, a.activity_id) < ($3, $4)`
		args = append(args, cursor.At, cursor.ID)
	}
	query += `
        GROUP BY a.activity_id
        ORDER BY a.started_at DESC, a.activity_id DESC
        LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityView, 0, limit)
	for rows.Next() {
		view, err := scanActivityView(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *view)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
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
	const query = `SELECT activity_id, user_id, provider, external_id, base_miles, duration_sec, started_at, created_at
        FROM activities
        WHERE user_id = $1 AND ($2 = '' OR provider = $2)
        ORDER BY started_at DESC, activity_id DESC
        LIMIT $3`

	rows, err := s.pool.Query(ctx, query, userID, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var (
			a           domain.Activity
			durationSec int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.ExternalID, &a.BaseMiles, &durationSec, &a.StartedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(durationSec) * time.Second
		out = append(out, a)
	}
	return out, rows.Err()
}

// KnownExternalIDs implements domain.Reader.
func (s *Store) KnownExternalIDs(ctx context.Context, provider string, externalIDs []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	if len(externalIDs) == 0 {
		return known, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT external_id FROM dedup_index WHERE provider = $1 AND external_id = ANY($2)`, provider, externalIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}

// GetAggregate implements domain.Reader.
func (s *Store) GetAggregate(ctx context.Context, userID string) (domain.UserAggregate, error) {
	return getAggregate(ctx, s.pool, userID, false)
}

// ListUserIDs implements domain.Reader.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UserRecency implements domain.Reader.
func (s *Store) UserRecency(ctx context.Context) ([]domain.UserRecency, error) {
	const query = `SELECT u.user_id, u.contacted, u.created_at, MAX(a.started_at)
        FROM users u LEFT JOIN activities a ON a.user_id = u.user_id
        GROUP BY u.user_id
        ORDER BY u.user_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UserRecency
	for rows.Next() {
		var r domain.UserRecency
		if err := rows.Scan(&r.UserID, &r.Contacted, &r.CreatedAt, &r.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListIncidents implements domain.Reader.
func (s *Store) ListIncidents(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Incident, *domain.Cursor, error) {
	args := []any{limit}
	query := `SELECT incident_id, msg, incident_type, user_id, provider, acknowledged, resolved_by, resolved_at, created_at
        FROM incidents`
	if cursor != nil {
		query += ` WHERE (created_at, incident_id) < ($2, $3)`
		args = append(args, cursor.At, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, incident_id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	items := make([]domain.Incident, 0, limit)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(items) == limit {
		last := items[len(items)-1]
		next = &domain.Cursor{At: last.TS, ID: last.ID}
	}
	return items, next, nil
}

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var (
		inc                          domain.Incident
		userID, provider, resolvedBy *string
		incidentType                 string
	)
	if err := row.Scan(&inc.ID, &inc.Msg, &incidentType, &userID, &provider, &inc.Acknowledged, &resolvedBy, &inc.ResolvedAt, &inc.TS); err != nil {
		return domain.Incident{}, err
	}
	inc.Type = domain.IncidentType(incidentType)
	inc.UserID = deref(userID)
	inc.Provider = deref(provider)
	inc.ResolvedBy = deref(resolvedBy)
	return inc, nil
}

// RecentAuditLogs implements domain.Reader.
func (s *Store) RecentAuditLogs(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	const query = `SELECT entry_id, action, target_id, actor, meta, created_at
        FROM audit_log ORDER BY created_at DESC, entry_id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetID, &e.Actor, &e.Meta, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SimulationFlags implements domain.Reader.
func (s *Store) SimulationFlags(ctx context.Context) (domain.SimulationFlags, error) {
	return loadFlags(ctx, s.pool, false)
}

func loadFlags(ctx context.Context, q querier, forUpdate bool) (domain.SimulationFlags, error) {
	query := `SELECT rate_limit, delay, duplicates, outage, updated_at FROM simulation_flags WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var f domain.SimulationFlags
	if err := q.QueryRow(ctx, query).Scan(&f.RateLimit, &f.Delay, &f.Duplicates, &f.Outage, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SimulationFlags{}, nil
		}
		return domain.SimulationFlags{}, err
	}
	return f, nil
}

// ProviderStats implements domain.Reader.
func (s *Store) ProviderStats(ctx context.Context, since time.Time) ([]domain.ProviderStats, error) {
	const query = `SELECT r.provider,
            COUNT(*),
            COUNT(*) FILTER (WHERE r.status = 'success'),
            COUNT(*) FILTER (WHERE r.status = 'rate_limited'),
            COUNT(*) FILTER (WHERE r.status = 'outage'),
            COUNT(*) FILTER (WHERE r.status = 'partial_failure'),
            COUNT(*) FILTER (WHERE r.delayed),
            COALESCE(SUM(r.added), 0),
            COALESCE(SUM(r.dupes), 0),
            MAX(r.started_at),
            (SELECT l.status FROM sync_runs l
                WHERE l.provider = r.provider AND l.started_at >= $1
                ORDER BY l.started_at DESC, l.run_id DESC LIMIT 1)
        FROM sync_runs r
        WHERE r.started_at >= $1
        GROUP BY r.provider
        ORDER BY r.provider`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProviderStats
	for rows.Next() {
		var (
			st         domain.ProviderStats
			lastStatus string
		)
		if err := rows.Scan(&st.Provider, &st.Attempts, &st.Successes, &st.RateLimited, &st.Outages, &st.Partial,
			&st.Delayed, &st.Added, &st.Dupes, &st.LastAttemptAt, &lastStatus); err != nil {
			return nil, err
		}
		st.LastStatus = domain.SyncStatus(lastStatus)
		out = append(out, st)
	}
	return out, rows.Err()
}

// LedgerTotals implements domain.Reader.
func (s *Store) LedgerTotals(ctx context.Context, now time.Time) (domain.LedgerTotals, error) {
	const query = `SELECT
            (SELECT COUNT(*) FROM users),
            (SELECT COUNT(*) FROM activities),
            (SELECT COUNT(*) FROM corrections),
            (SELECT COALESCE(SUM(total_miles), 0) FROM user_aggregates),
            (SELECT COUNT(*) FROM user_actions WHERE expires_at >= $1),
            (SELECT COUNT(*) FROM incidents WHERE incident_type = 'error' AND NOT acknowledged),
            (SELECT MAX(started_at) FROM activities)`

	var t domain.LedgerTotals
	err := s.pool.QueryRow(ctx, query, now).Scan(&t.Users, &t.Activities, &t.Corrections, &t.TotalMiles,
		&t.OpenUndoWindows, &t.UnresolvedErrors, &t.LastActivityAt)
	if err != nil {
		return domain.LedgerTotals{}, fmt.Errorf("ledger totals: %w", err)
	}
	return t, nil
}

// CountActiveUsers implements domain.Reader.
func (s *Store) CountActiveUsers(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT user_id) FROM activities WHERE started_at >= $1`, since).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
