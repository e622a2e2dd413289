package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a domain event recorded in the transactional outbox alongside the
// write that produced it.
type Event struct {
	Type        string
	AggregateID string
	UserID      string
	Payload     any
}

// Tx is a unit of work. Every method participates in the same transaction;
// nothing is visible to readers until the enclosing WithinTx returns nil.
type Tx interface {
	// RegisterDedup atomically claims key for activityID. It returns false,
	// without error, when the key was already registered.
	RegisterDedup(ctx context.Context, key DedupKey, activityID string) (bool, error)
	InsertActivity(ctx context.Context, activity Activity) error
	GetActivityView(ctx context.Context, activityID string) (*ActivityView, error)

	InsertCorrection(ctx context.Context, correction Correction) error
	AdjustAggregate(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) error
	GetAggregate(ctx context.Context, userID string) (UserAggregate, error)
	SetAggregate(ctx context.Context, aggregate UserAggregate) error
	SumEffectiveMiles(ctx context.Context, userID string) (decimal.Decimal, error)

	InsertAction(ctx context.Context, action UserAction) error
	// LockAction loads the action and holds it until the unit of work ends so
	// concurrent undo attempts serialise. Returns nil when absent.
	LockAction(ctx context.Context, actionID string) (*UserAction, error)
	DeleteAction(ctx context.Context, actionID string) error

	InsertNote(ctx context.Context, note Note) error
	DeleteNote(ctx context.Context, noteID string) (bool, error)

	EnsureUser(ctx context.Context, userID string, at time.Time) error
	GetUser(ctx context.Context, userID string) (*User, error)
	SetContacted(ctx context.Context, userID string, at time.Time) error

	AppendIncident(ctx context.Context, incident Incident) error
	ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time) (*Incident, error)
	AppendAudit(ctx context.Context, entry AuditLogEntry) error

	LoadSimulationFlags(ctx context.Context) (SimulationFlags, error)
	SaveSimulationFlags(ctx context.Context, flags SimulationFlags) error

	InsertSyncRun(ctx context.Context, run SyncRun) error
	EnqueueEvent(ctx context.Context, event Event) error
}

// Reader serves read paths. Results may trail concurrent writes slightly.
type Reader interface {
	GetActivityView(ctx context.Context, activityID string) (*ActivityView, error)
	ListActivityViews(ctx context.Context, userID string, cursor *Cursor, limit int) ([]ActivityView, *Cursor, error)
	RecentActivities(ctx context.Context, userID, provider string, limit int) ([]Activity, error)
	// KnownExternalIDs returns the subset of externalIDs already claimed in
	// the dedup index for provider.
	KnownExternalIDs(ctx context.Context, provider string, externalIDs []string) (map[string]struct{}, error)
	GetAggregate(ctx context.Context, userID string) (UserAggregate, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	UserRecency(ctx context.Context) ([]UserRecency, error)

	ListIncidents(ctx context.Context, cursor *Cursor, limit int) ([]Incident, *Cursor, error)
	RecentAuditLogs(ctx context.Context, limit int) ([]AuditLogEntry, error)
	SimulationFlags(ctx context.Context) (SimulationFlags, error)

	ProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error)
	LedgerTotals(ctx context.Context, now time.Time) (LedgerTotals, error)
	CountActiveUsers(ctx context.Context, since time.Time) (int, error)
}

// Store is the persistence boundary shared by every service.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(Tx) error) error
	// DeleteExpiredActions garbage-collects inert undo windows.
	DeleteExpiredActions(ctx context.Context, now time.Time) (int, error)
}
