package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const quarantineReason = "retry limit reached"

// ManagerOption configures a DLQManager.
type ManagerOption func(*DLQManager)

// WithManagerLogger overrides the manager logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *DLQManager) {
		m.logger = logger
	}
}

// WithManagerClock overrides the time source used to schedule retries.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *DLQManager) {
		m.now = now
	}
}

// DLQManager replays DLQ entries into the outbox and quarantines entries that
// keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewDLQManager constructs a DLQManager. Non-positive settings fall back to
// five retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...ManagerOption) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce handles up to batchSize due entries and returns how many were
// requeued into the outbox.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $2)
        ORDER BY created_at, dlq_id
        LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize, m.now())
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, scanDLQEntry)
	if err != nil {
		return 0, err
	}

	requeued := 0
	var errs error
	for _, entry := range entries {
		ok, err := m.handleEntry(ctx, entry)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		if ok {
			requeued++
		}
	}
	if err := refreshBacklog(ctx, m.pool); err != nil {
		errs = errors.Join(errs, err)
	}
	return requeued, errs
}

// handleEntry quarantines, requeues or reschedules one entry in a single
// transaction. It reports whether the entry went back to the outbox.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (bool, error) {
	requeued := false
	err := pgx.BeginTxFunc(ctx, m.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			_, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = $1, quarantine_reason = $2 WHERE dlq_id = $3`, m.now(), quarantineReason, entry.ID)
			if err == nil {
				recordTransition(entry, transitionQuarantined)
				m.logger.Warn("dlq entry quarantined", zap.Int64("dlq_id", entry.ID), zap.String("event_type", entry.EventType))
			}
			return err
		}

		if requeueErr := requeueOutbox(ctx, tx, entry); requeueErr != nil {
			now := m.now()
			next := now.Add(m.backoffDelay(entry.RetryCount + 1))
			_, err := tx.Exec(ctx,
				`UPDATE outbox_dlq
                    SET retry_count = retry_count + 1,
                        last_attempt_at = $1,
                        next_retry_at = $2,
                        reason = $3
                  WHERE dlq_id = $4`,
				now, next, requeueErr.Error(), entry.ID,
			)
			if err == nil {
				recordTransition(entry, transitionRetry)
			}
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
			return err
		}
		requeued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if requeued {
		recordTransition(entry, transitionRequeued)
	}
	return requeued, nil
}

// backoffDelay doubles the base delay per attempt, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the entry into the outbox for another delivery
// attempt inside a savepoint, so a failed insert still lets the caller
// reschedule. Replays carry no dedupe key and never collide with the original row.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}
	if _, ok := schemaFor(entry.EventType); !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := sp.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	); err != nil {
		return err
	}
	return sp.Commit(ctx)
}

type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(row pgx.CollectableRow) (dlqEntry, error) {
	var entry dlqEntry
	err := row.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason,
		&entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount)
	return entry, err
}
