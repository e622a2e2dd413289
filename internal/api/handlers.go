// Package api exposes the ledger, undo, sync and ops operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/auth"
	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/ops"
	"example.com/mileage/internal/syncpipeline"
)

const maxBodyBytes = 1 << 20

// Handler adapts HTTP requests onto the services. It holds no business logic.
type Handler struct {
	ledger  *ledger.Service
	actions *actionlog.Service
	ops     *ops.Service
	sync    *syncpipeline.Pipeline
	logger  *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler builds a Handler.
func NewHandler(ledgerSvc *ledger.Service, actions *actionlog.Service, opsSvc *ops.Service, pipeline *syncpipeline.Pipeline, opts ...Option) *Handler {
	h := &Handler{
		ledger:  ledgerSvc,
		actions: actions,
		ops:     opsSvc,
		sync:    pipeline,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/sync", h.syncSelf)
	mux.HandleFunc("GET /v1/progress", h.progress)
	mux.HandleFunc("GET /v1/activities", h.listActivities)
	mux.HandleFunc("GET /v1/activities/{id}", h.getActivity)
	mux.HandleFunc("POST /v1/activities/{id}/corrections", h.applyCorrection)
	mux.HandleFunc("POST /v1/activities/{id}/notes", h.addNote)
	mux.HandleFunc("POST /v1/actions/{id}/undo", h.undo)

	mux.HandleFunc("GET /v1/ops/dashboard", h.dashboard)
	mux.HandleFunc("GET /v1/ops/incidents", h.listIncidents)
	mux.HandleFunc("POST /v1/ops/incidents", h.logIncident)
	mux.HandleFunc("POST /v1/ops/incidents/{id}/resolve", h.resolveIncident)
	mux.HandleFunc("GET /v1/ops/audit", h.auditLogs)
	mux.HandleFunc("GET /v1/ops/simulation", h.getSimulation)
	mux.HandleFunc("PUT /v1/ops/simulation", h.putSimulation)
	mux.HandleFunc("GET /v1/ops/quiet-users", h.quietUsers)
	mux.HandleFunc("POST /v1/ops/quiet-users/{id}", h.handleQuietUser)
	mux.HandleFunc("POST /v1/ops/users/{id}/rebuild", h.rebuildUser)
	mux.HandleFunc("POST /v1/ops/users/{id}/verify", h.verifyUser)
	mux.HandleFunc("POST /v1/ops/users/{id}/sync", h.syncUser)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// caller returns the authenticated claims when they carry one of scopes.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func (h *Handler) reader(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	return h.caller(w, r, auth.ScopeMilesRead, auth.ScopeMilesWrite)
}

func (h *Handler) writer(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	return h.caller(w, r, auth.ScopeMilesWrite)
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	return h.caller(w, r, auth.ScopeOpsAdmin)
}

// SyncRequest is the body for POST /v1/sync and POST /v1/ops/users/{id}/sync.
type SyncRequest struct {
	Provider string `json:"provider"`
}

func (h *Handler) syncSelf(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.writer(w, r)
	if !ok {
		return
	}
	h.runSync(w, r, claims.Subject)
}

func (h *Handler) syncUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	h.runSync(w, r, r.PathValue("id"))
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, userID string) {
	var req SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.sync.Sync(r.Context(), userID, req.Provider)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncView(result))
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.reader(w, r)
	if !ok {
		return
	}
	progress, err := h.ledger.Progress(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressView(progress))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.reader(w, r)
	if !ok {
		return
	}
	page, err := h.ledger.ListActivities(r.Context(), claims.Subject, r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	items := make([]ActivityView, 0, len(page.Items))
	for _, v := range page.Items {
		items = append(items, toActivityView(v))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items, NextCursor: page.NextCursor})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.reader(w, r)
	if !ok {
		return
	}
	view, err := h.ledger.GetActivity(r.Context(), claims.Subject, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(view))
}

// CorrectionRequest is the body for POST /v1/activities/{id}/corrections.
// delta_miles accepts a JSON number or a decimal string.
type CorrectionRequest struct {
	DeltaMiles decimal.Decimal `json:"delta_miles"`
	Reason     string          `json:"reason"`
}

func (h *Handler) applyCorrection(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.writer(w, r)
	if !ok {
		return
	}
	var req CorrectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.ledger.ApplyCorrection(r.Context(), ledger.CorrectionInput{
		ActivityID: r.PathValue("id"),
		UserID:     claims.Subject,
		DeltaMiles: req.DeltaMiles,
		Reason:     req.Reason,
		Source:     domain.CorrectionSourceManual,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CorrectionResponse{
		CorrectionID:   result.CorrectionID,
		ActionID:       result.ActionID,
		ExpiresAt:      result.ExpiresAt,
		EffectiveMiles: result.EffectiveMiles,
	})
}

// NoteRequest is the body for POST /v1/activities/{id}/notes.
type NoteRequest struct {
	Body string `json:"body"`
}

func (h *Handler) addNote(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.writer(w, r)
	if !ok {
		return
	}
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.ledger.AddNote(r.Context(), ledger.NoteInput{
		ActivityID: r.PathValue("id"),
		UserID:     claims.Subject,
		Body:       req.Body,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NoteResponse{NoteID: result.NoteID, ActionID: result.ActionID, ExpiresAt: result.ExpiresAt})
}

func (h *Handler) undo(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.writer(w, r)
	if !ok {
		return
	}
	result, err := h.actions.Undo(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UndoResponse{ActionID: result.ActionID, Type: string(result.Type), UndoneAt: result.UndoneAt})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	dash, err := h.ops.DashboardMetrics(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardView(dash))
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	page, err := h.ops.Incidents(r.Context(), r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	items := make([]IncidentView, 0, len(page.Items))
	for _, inc := range page.Items {
		items = append(items, toIncidentView(inc))
	}
	writeJSON(w, http.StatusOK, ListIncidentsResponse{Items: items, NextCursor: page.NextCursor})
}

// LogIncidentRequest is the body for POST /v1/ops/incidents.
type LogIncidentRequest struct {
	Msg      string `json:"msg"`
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

func (h *Handler) logIncident(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req LogIncidentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var opts []ops.IncidentOption
	if req.UserID != "" {
		opts = append(opts, ops.ForUser(req.UserID))
	}
	if req.Provider != "" {
		opts = append(opts, ops.ForProvider(req.Provider))
	}
	inc, err := h.ops.LogIncident(r.Context(), req.Msg, domain.IncidentType(req.Type), opts...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIncidentView(inc))
}

func (h *Handler) resolveIncident(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.admin(w, r)
	if !ok {
		return
	}
	inc, err := h.ops.ResolveIncident(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentView(inc))
}

func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	entries, err := h.ops.RecentAuditLogs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	items := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		items = append(items, AuditView{ID: e.ID, Action: e.Action, TargetID: e.TargetID, Actor: e.Actor, Meta: e.Meta, TS: e.TS})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getSimulation(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	flags, err := h.ops.SimulationFlags(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlagsView(flags))
}

func (h *Handler) putSimulation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req FlagsView
	if !decodeBody(w, r, &req) {
		return
	}
	flags, err := h.ops.SetSimulationFlags(r.Context(), domain.SimulationFlags{
		RateLimit:  req.RateLimit,
		Delay:      req.Delay,
		Duplicates: req.Duplicates,
		Outage:     req.Outage,
	}, claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlagsView(flags))
}

func (h *Handler) quietUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	users, err := h.ops.QuietUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	items := make([]QuietUserView, 0, len(users))
	for _, u := range users {
		items = append(items, toQuietUserView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// QuietUserRequest is the body for POST /v1/ops/quiet-users/{id}.
type QuietUserRequest struct {
	Action string `json:"action"`
}

func (h *Handler) handleQuietUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req QuietUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ops.HandleQuietUser(r.Context(), r.PathValue("id"), ops.QuietAction(req.Action), claims.Subject); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rebuildUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.admin(w, r)
	if !ok {
		return
	}
	agg, err := h.ledger.Rebuild(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AggregateView{UserID: agg.UserID, TotalMiles: agg.TotalMiles, UpdatedAt: agg.UpdatedAt})
}

func (h *Handler) verifyUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	report, err := h.ledger.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	view := ConsistencyView{
		UserID:     report.UserID,
		Consistent: report.Consistent(),
		Cached:     report.Cached,
		Recomputed: report.Recomputed,
		Rebuilt:    report.Rebuilt,
	}
	writeJSON(w, http.StatusOK, view)
}

// writeDomainError maps service errors onto status codes. Unexpected errors
// are logged and reported without internal detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusGone, "expired", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		if errors.As(err, &upstream) && upstream.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((upstream.RetryAfter+time.Second-1)/time.Second)))
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, domain.ErrOutage):
		writeError(w, http.StatusServiceUnavailable, "outage", err.Error())
	case errors.Is(err, domain.ErrInconsistent):
		writeError(w, http.StatusConflict, "inconsistent", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "unable to parse body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WriteAuthError renders authentication failures in the API error shape.
func WriteAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
