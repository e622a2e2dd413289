package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
	"example.com/mileage/internal/observability"
	"example.com/mileage/internal/persistence"
)

// IncidentOption tags an incident with optional context.
type IncidentOption func(*domain.Incident)

// ForUser tags the incident with the affected user.
func ForUser(userID string) IncidentOption {
	return func(i *domain.Incident) {
		i.UserID = userID
	}
}

// ForProvider tags the incident with the affected provider.
func ForProvider(provider string) IncidentOption {
	return func(i *domain.Incident) {
		i.Provider = provider
	}
}

// NewIncident builds an incident whose id sorts by creation time.
func NewIncident(msg string, incidentType domain.IncidentType, at time.Time, opts ...IncidentOption) domain.Incident {
	inc := domain.Incident{
		ID:   newKSUID(at),
		Msg:  msg,
		Type: incidentType,
		TS:   at,
	}
	for _, opt := range opts {
		opt(&inc)
	}
	return inc
}

// AppendIncident writes inc within tx and mirrors it onto the event stream.
// Other services use it so their incidents commit with the change they
// describe, then call RecordIncidents once the unit of work has committed.
func AppendIncident(ctx context.Context, tx domain.Tx, inc domain.Incident) error {
	if err := tx.AppendIncident(ctx, inc); err != nil {
		return fmt.Errorf("append incident: %w", err)
	}
	err := tx.EnqueueEvent(ctx, domain.Event{
		Type:        events.TypeIncidentLogged,
		AggregateID: inc.ID,
		UserID:      inc.UserID,
		Payload: events.IncidentLogged{
			IncidentID: inc.ID,
			Type:       string(inc.Type),
			Msg:        inc.Msg,
			UserID:     inc.UserID,
			Provider:   inc.Provider,
			OccurredAt: inc.TS,
		},
	})
	return err
}

// RecordIncidents counts committed incidents by type.
func RecordIncidents(incs ...domain.Incident) {
	for _, inc := range incs {
		observability.RecordIncident(string(inc.Type))
	}
}

// IncidentPage is one page of the newest-first incident feed.
type IncidentPage struct {
	Items      []domain.Incident
	NextCursor string
}

// LogIncident appends an incident to the feed.
func (s *Service) LogIncident(ctx context.Context, msg string, incidentType domain.IncidentType, opts ...IncidentOption) (domain.Incident, error) {
	if strings.TrimSpace(msg) == "" {
		return domain.Incident{}, domain.Invalid("incident message is required")
	}
	if !incidentType.Valid() {
		return domain.Incident{}, domain.Invalid("unknown incident type %q", incidentType)
	}

	inc := NewIncident(msg, incidentType, s.now(), opts...)
	if err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		return AppendIncident(ctx, tx, inc)
	}); err != nil {
		return domain.Incident{}, err
	}
	RecordIncidents(inc)
	return inc, nil
}

// Incidents returns a page of the feed, newest first. cursor is the opaque
// token returned as NextCursor by the previous page.
func (s *Service) Incidents(ctx context.Context, cursor string, limit int) (IncidentPage, error) {
	decoded, err := persistence.DecodeCursor(cursor)
	if err != nil {
		return IncidentPage{}, err
	}
	items, next, err := s.store.ListIncidents(ctx, decoded, clampLimit(limit))
	if err != nil {
		return IncidentPage{}, err
	}
	if items == nil {
		items = []domain.Incident{}
	}
	return IncidentPage{Items: items, NextCursor: persistence.EncodeCursor(next)}, nil
}

// ResolveIncident acknowledges an incident and records who did it. The
// incident is never deleted; resolving twice keeps the first resolution.
func (s *Service) ResolveIncident(ctx context.Context, incidentID, resolvedBy string) (domain.Incident, error) {
	if incidentID == "" {
		return domain.Incident{}, domain.Invalid("incident id is required")
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return domain.Incident{}, domain.Invalid("resolved_by is required")
	}

	now := s.now()
	var resolved domain.Incident
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		inc, err := tx.ResolveIncident(ctx, incidentID, resolvedBy, now)
		if err != nil {
			return err
		}
		if inc == nil {
			return fmt.Errorf("incident %s: %w", incidentID, domain.ErrNotFound)
		}
		resolved = *inc
		return tx.AppendAudit(ctx, NewAuditEntry("incident.resolve", incidentID, resolvedBy, map[string]any{
			"incident_type": string(inc.Type),
		}, now))
	})
	if err != nil {
		return domain.Incident{}, err
	}
	s.logger.Info("incident resolved", zap.String("incident_id", incidentID), zap.String("resolved_by", resolvedBy))
	return resolved, nil
}

func newKSUID(at time.Time) string {
	id, err := ksuid.NewRandomWithTime(at)
	if err != nil {
		return ksuid.New().String()
	}
	return id.String()
}
