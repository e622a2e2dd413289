package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType names a reversible user action.
type ActionType string

const (
	ActionTypeCorrection ActionType = "correction"
	ActionTypeNote       ActionType = "note"
)

// UserAction records a reversible mutation. Its ID is the undo token.
type UserAction struct {
	ID        string
	UserID    string
	Type      ActionType
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the undo window closed before now.
func (a UserAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// IncidentType classifies incident severity.
type IncidentType string

const (
	IncidentInfo    IncidentType = "info"
	IncidentWarning IncidentType = "warning"
	IncidentError   IncidentType = "error"
)

// Valid reports whether the type is a known severity.
func (t IncidentType) Valid() bool {
	switch t {
	case IncidentInfo, IncidentWarning, IncidentError:
		return true
	}
	return false
}

// Incident is a system-visibility log entry.
type Incident struct {
	ID           string
	Msg          string
	Type         IncidentType
	UserID       string
	Provider     string
	Acknowledged bool
	ResolvedBy   string
	ResolvedAt   *time.Time
	TS           time.Time
}

// AuditLogEntry records an operator- or system-initiated state change.
type AuditLogEntry struct {
	ID       string
	Action   string
	TargetID string
	Actor    string
	Meta     map[string]any
	TS       time.Time
}

// SimulationFlags toggles deterministic upstream failure modes.
type SimulationFlags struct {
	RateLimit  bool
	Delay      bool
	Duplicates bool
	Outage     bool
	UpdatedAt  time.Time
}

// FlagTransition describes a single flag change.
type FlagTransition struct {
	Flag string
	From bool
	To   bool
}

// Transitions lists the flags that differ between f and next.
func (f SimulationFlags) Transitions(next SimulationFlags) []FlagTransition {
	var out []FlagTransition
	add := func(name string, from, to bool) {
		if from != to {
			out = append(out, FlagTransition{Flag: name, From: from, To: to})
		}
	}
	add("outage", f.Outage, next.Outage)
	add("rate_limit", f.RateLimit, next.RateLimit)
	add("delay", f.Delay, next.Delay)
	add("duplicates", f.Duplicates, next.Duplicates)
	return out
}

// SyncStatus is the terminal state of a sync attempt.
type SyncStatus string

const (
	SyncPending        SyncStatus = "pending"
	SyncSuccess        SyncStatus = "success"
	SyncRateLimited    SyncStatus = "rate_limited"
	SyncOutage         SyncStatus = "outage"
	SyncPartialFailure SyncStatus = "partial_failure"
)

// SyncRun is the persisted outcome of one sync attempt.
type SyncRun struct {
	ID         string
	UserID     string
	Provider   string
	Status     SyncStatus
	Added      int
	Dupes      int
	Delayed    bool
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// UserRecency is the input to quiet-user detection.
type UserRecency struct {
	UserID         string
	LastActivityAt *time.Time
	Contacted      bool
	CreatedAt      time.Time
}

// ProviderStats summarises recent sync runs for one provider.
type ProviderStats struct {
	Provider      string
	Attempts      int
	Successes     int
	RateLimited   int
	Outages       int
	Partial       int
	Delayed       int
	Added         int
	Dupes         int
	LastStatus    SyncStatus
	LastAttemptAt *time.Time
}

// LedgerTotals summarises the ledger for dashboards.
type LedgerTotals struct {
	Users            int
	Activities       int
	Corrections      int
	TotalMiles       decimal.Decimal
	OpenUndoWindows  int
	UnresolvedErrors int
	LastActivityAt   *time.Time
}
