// Package events defines the payloads published from the transactional outbox.
package events

import "time"

const (
	TypeActivityIngested  = "ledger.activity_ingested"
	TypeCorrectionApplied = "ledger.correction_applied"
	TypeIncidentLogged    = "ops.incident_logged"
)

// ActivityIngested is emitted when a deduplicated activity is committed.
type ActivityIngested struct {
	ActivityID  string    `json:"activity_id"`
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	ExternalID  string    `json:"external_id"`
	BaseMiles   string    `json:"base_miles"`
	DurationSec int64     `json:"duration_sec"`
	StartedAt   time.Time `json:"started_at"`
}

// CorrectionApplied is emitted for every ledger correction, including undo compensations.
type CorrectionApplied struct {
	CorrectionID string    `json:"correction_id"`
	ActivityID   string    `json:"activity_id"`
	UserID       string    `json:"user_id"`
	DeltaMiles   string    `json:"delta_miles"`
	Reason       string    `json:"reason"`
	Source       string    `json:"source"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// IncidentLogged mirrors an incident onto the event stream for live dashboards.
type IncidentLogged struct {
	IncidentID string    `json:"incident_id"`
	Type       string    `json:"type"`
	Msg        string    `json:"msg"`
	UserID     string    `json:"user_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Metadata describes how an event type is routed.
type Metadata struct {
	Topic         string
	SchemaSubject string
}

var catalog = map[string]Metadata{
	TypeActivityIngested: {
		Topic:         "ledger_events",
		SchemaSubject: "ledger_events-activity_ingested-value",
	},
	TypeCorrectionApplied: {
		Topic:         "ledger_events",
		SchemaSubject: "ledger_events-correction_applied-value",
	},
	TypeIncidentLogged: {
		Topic:         "ops_incidents",
		SchemaSubject: "ops_incidents-value",
	},
}

// Lookup returns routing metadata for an event type.
func Lookup(eventType string) (Metadata, bool) {
	meta, ok := catalog[eventType]
	return meta, ok
}
