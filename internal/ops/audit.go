package ops

import (
	"context"
	"strings"
	"time"

	"example.com/mileage/internal/domain"
)

// NewAuditEntry builds an audit entry whose id sorts by creation time.
func NewAuditEntry(action, targetID, actor string, meta map[string]any, at time.Time) domain.AuditLogEntry {
	if meta == nil {
		meta = map[string]any{}
	}
	return domain.AuditLogEntry{
		ID:       newKSUID(at),
		Action:   action,
		TargetID: targetID,
		Actor:    actor,
		Meta:     meta,
		TS:       at,
	}
}

// LogAudit appends an accountability record. It has no other side effects.
func (s *Service) LogAudit(ctx context.Context, action, targetID, actor string, meta map[string]any) (domain.AuditLogEntry, error) {
	if strings.TrimSpace(action) == "" {
		return domain.AuditLogEntry{}, domain.Invalid("audit action is required")
	}
	entry := NewAuditEntry(action, targetID, actor, meta, s.now())
	if err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.AppendAudit(ctx, entry)
	}); err != nil {
		return domain.AuditLogEntry{}, err
	}
	return entry, nil
}

// RecentAuditLogs returns the newest entries first.
func (s *Service) RecentAuditLogs(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	entries, err := s.store.RecentAuditLogs(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	return entries, nil
}
