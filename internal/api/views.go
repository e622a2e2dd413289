package api

import (
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/ops"
	"example.com/mileage/internal/syncpipeline"
)

// ActivityView is the response representation of an activity. Miles are
// rendered as decimal strings.
type ActivityView struct {
	ID               string          `json:"id"`
	Provider         string          `json:"provider"`
	ExternalID       string          `json:"external_id"`
	BaseMiles        decimal.Decimal `json:"base_miles"`
	EffectiveMiles   decimal.Decimal `json:"effective_miles"`
	TotalCorrection  decimal.Decimal `json:"total_correction"`
	CorrectionsCount int             `json:"corrections_count"`
	DurationSeconds  int64           `json:"duration_sec"`
	StartedAt        time.Time       `json:"started_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ListActivitiesResponse is the paginated activity feed.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ProgressView is the response for GET /v1/progress.
type ProgressView struct {
	UserID     string          `json:"user_id"`
	TotalMiles decimal.Decimal `json:"total_miles"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
	Recent     []ActivityView  `json:"recent"`
}

type CorrectionResponse struct {
	CorrectionID   string          `json:"correction_id"`
	ActionID       string          `json:"action_id"`
	ExpiresAt      time.Time       `json:"expires_at"`
	EffectiveMiles decimal.Decimal `json:"effective_miles"`
}

type NoteResponse struct {
	NoteID    string    `json:"note_id"`
	ActionID  string    `json:"action_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type UndoResponse struct {
	ActionID string    `json:"action_id"`
	Type     string    `json:"type"`
	UndoneAt time.Time `json:"undone_at"`
}

// SyncView reports the outcome of one sync attempt.
type SyncView struct {
	RunID             string `json:"run_id"`
	UserID            string `json:"user_id"`
	Provider          string `json:"provider"`
	Status            string `json:"status"`
	Added             int    `json:"added"`
	Dupes             int    `json:"dupes"`
	Invalid           int    `json:"invalid"`
	Delayed           bool   `json:"delayed"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_sec,omitempty"`
}

type IncidentView struct {
	ID           string     `json:"id"`
	Msg          string     `json:"msg"`
	Type         string     `json:"type"`
	UserID       string     `json:"user_id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	TS           time.Time  `json:"ts"`
}

type ListIncidentsResponse struct {
	Items      []IncidentView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type AuditView struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	TargetID string         `json:"target_id"`
	Actor    string         `json:"actor"`
	Meta     map[string]any `json:"meta,omitempty"`
	TS       time.Time      `json:"ts"`
}

// FlagsView doubles as the PUT /v1/ops/simulation request body.
type FlagsView struct {
	RateLimit  bool       `json:"rate_limit"`
	Delay      bool       `json:"delay"`
	Duplicates bool       `json:"duplicates"`
	Outage     bool       `json:"outage"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type QuietUserView struct {
	UserID         string     `json:"user_id"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	IdleHours      float64    `json:"idle_hours"`
}

type AggregateView struct {
	UserID     string          `json:"user_id"`
	TotalMiles decimal.Decimal `json:"total_miles"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type ConsistencyView struct {
	UserID     string          `json:"user_id"`
	Consistent bool            `json:"consistent"`
	Cached     decimal.Decimal `json:"cached"`
	Recomputed decimal.Decimal `json:"recomputed"`
	Rebuilt    bool            `json:"rebuilt"`
}

type ProviderHealthView struct {
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	SuccessRate   float64    `json:"success_rate"`
	RateLimited   int        `json:"rate_limited"`
	Outages       int        `json:"outages"`
	Partial       int        `json:"partial"`
	Delayed       int        `json:"delayed"`
	Added         int        `json:"added"`
	Dupes         int        `json:"dupes"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

type ScheduledSyncView struct {
	Provider        string     `json:"provider"`
	IntervalSeconds int64      `json:"interval_sec"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	NextDueAt       time.Time  `json:"next_due_at"`
}

type DataHealthView struct {
	Users            int        `json:"users"`
	Activities       int        `json:"activities"`
	Corrections      int        `json:"corrections"`
	OpenUndoWindows  int        `json:"open_undo_windows"`
	UnresolvedErrors int        `json:"unresolved_errors"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	IngestLagSeconds int64      `json:"ingest_lag_sec"`
	SimulationFlags  FlagsView  `json:"simulation_flags"`
}

// DashboardView is the response for GET /v1/ops/dashboard.
type DashboardView struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	ActiveUsers     int                  `json:"active_users"`
	TotalMiles      decimal.Decimal      `json:"total_miles"`
	ProviderHealth  []ProviderHealthView `json:"provider_health"`
	QuietList       []QuietUserView      `json:"quiet_list"`
	RecentIncidents []IncidentView       `json:"recent_incidents"`
	ScheduledSyncs  []ScheduledSyncView  `json:"scheduled_syncs"`
	DataHealth      DataHealthView       `json:"data_health"`
}

func toActivityView(v domain.ActivityView) ActivityView {
	return ActivityView{
		ID:               v.ID,
		Provider:         v.Provider,
		ExternalID:       v.ExternalID,
		BaseMiles:        v.BaseMiles,
		EffectiveMiles:   v.EffectiveMiles,
		TotalCorrection:  v.TotalCorrection,
		CorrectionsCount: v.CorrectionsCount,
		DurationSeconds:  int64(v.Duration / time.Second),
		StartedAt:        v.StartedAt,
		CreatedAt:        v.CreatedAt,
	}
}

func toProgressView(p ledger.Progress) ProgressView {
	out := ProgressView{UserID: p.UserID, TotalMiles: p.TotalMiles, Recent: make([]ActivityView, 0, len(p.Recent))}
	if !p.UpdatedAt.IsZero() {
		at := p.UpdatedAt
		out.UpdatedAt = &at
	}
	for _, v := range p.Recent {
		out.Recent = append(out.Recent, toActivityView(v))
	}
	return out
}

func toSyncView(r syncpipeline.Result) SyncView {
	return SyncView{
		RunID:             r.RunID,
		UserID:            r.UserID,
		Provider:          r.Provider,
		Status:            string(r.Status),
		Added:             r.Added,
		Dupes:             r.Dupes,
		Invalid:           r.Invalid,
		Delayed:           r.Delayed,
		Message:           r.Message,
		RetryAfterSeconds: int((r.RetryAfter + time.Second - 1) / time.Second),
	}
}

func toIncidentView(inc domain.Incident) IncidentView {
	return IncidentView{
		ID:           inc.ID,
		Msg:          inc.Msg,
		Type:         string(inc.Type),
		UserID:       inc.UserID,
		Provider:     inc.Provider,
		Acknowledged: inc.Acknowledged,
		ResolvedBy:   inc.ResolvedBy,
		ResolvedAt:   inc.ResolvedAt,
		TS:           inc.TS,
	}
}

func toFlagsView(f domain.SimulationFlags) FlagsView {
	out := FlagsView{RateLimit: f.RateLimit, Delay: f.Delay, Duplicates: f.Duplicates, Outage: f.Outage}
	if !f.UpdatedAt.IsZero() {
		at := f.UpdatedAt
		out.UpdatedAt = &at
	}
	return out
}

func toQuietUserView(u ops.QuietUser) QuietUserView {
	return QuietUserView{UserID: u.UserID, LastActivityAt: u.LastActivityAt, IdleHours: u.IdleFor.Hours()}
}

func toDashboardView(d ops.Dashboard) DashboardView {
	out := DashboardView{
		GeneratedAt:     d.GeneratedAt,
		ActiveUsers:     d.ActiveUsers,
		TotalMiles:      d.TotalMiles,
		ProviderHealth:  make([]ProviderHealthView, 0, len(d.ProviderHealth)),
		QuietList:       make([]QuietUserView, 0, len(d.QuietList)),
		RecentIncidents: make([]IncidentView, 0, len(d.RecentIncidents)),
		ScheduledSyncs:  make([]ScheduledSyncView, 0, len(d.ScheduledSyncs)),
		DataHealth: DataHealthView{
			Users:            d.DataHealth.Users,
			Activities:       d.DataHealth.Activities,
			Corrections:      d.DataHealth.Corrections,
			OpenUndoWindows:  d.DataHealth.OpenUndoWindows,
			UnresolvedErrors: d.DataHealth.UnresolvedErrors,
			LastActivityAt:   d.DataHealth.LastActivityAt,
			IngestLagSeconds: int64(d.DataHealth.IngestLag / time.Second),
			SimulationFlags:  toFlagsView(d.DataHealth.Flags),
		},
	}
	for _, ph := range d.ProviderHealth {
		out.ProviderHealth = append(out.ProviderHealth, ProviderHealthView{
			Provider:      ph.Provider,
			Status:        ph.Status,
			Attempts:      ph.Attempts,
			SuccessRate:   ph.SuccessRate,
			RateLimited:   ph.RateLimited,
			Outages:       ph.Outages,
			Partial:       ph.Partial,
			Delayed:       ph.Delayed,
			Added:         ph.Added,
			Dupes:         ph.Dupes,
			LastStatus:    string(ph.LastStatus),
			LastAttemptAt: ph.LastAttemptAt,
		})
	}
	for _, q := range d.QuietList {
		out.QuietList = append(out.QuietList, toQuietUserView(q))
	}
	for _, inc := range d.RecentIncidents {
		out.RecentIncidents = append(out.RecentIncidents, toIncidentView(inc))
	}
	for _, s := range d.ScheduledSyncs {
		out.ScheduledSyncs = append(out.ScheduledSyncs, ScheduledSyncView{
			Provider:        s.Provider,
			IntervalSeconds: int64(s.Interval / time.Second),
			LastAttemptAt:   s.LastAttemptAt,
			NextDueAt:       s.NextDueAt,
		})
	}
	return out
}
