// Package actionlog keeps the short-lived record of reversible user actions
// and performs timed undo.
package actionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/observability"
)

// DefaultTTL is the undo window used when none is configured.
const DefaultTTL = 30 * time.Second

// Compensator reverses one action type inside the undo unit of work. It must
// not record a new action: an undo cannot itself be undone.
type Compensator func(ctx context.Context, tx domain.Tx, action domain.UserAction, at time.Time) error

// Record stores a reversible action within the caller's unit of work. The
// returned action's ID is the undo token.
func Record(ctx context.Context, tx domain.Tx, userID string, actionType domain.ActionType, payload any, at time.Time, ttl time.Duration) (domain.UserAction, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.UserAction{}, fmt.Errorf("encode %s action payload: %w", actionType, err)
	}
	action := domain.UserAction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      actionType,
		Payload:   body,
		CreatedAt: at,
		ExpiresAt: at.Add(ttl),
	}
	if err := tx.InsertAction(ctx, action); err != nil {
		return domain.UserAction{}, err
	}
	return action, nil
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithCompensator registers the undo effect for an action type.
func WithCompensator(actionType domain.ActionType, fn Compensator) Option {
	return func(s *Service) {
		s.compensators[actionType] = fn
	}
}

// Service performs undo and housekeeping over the action log.
type Service struct {
	store        domain.Store
	now          func() time.Time
	logger       *zap.Logger
	compensators map[domain.ActionType]Compensator
}

// NewService constructs a Service.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       zap.NewNop(),
		compensators: make(map[domain.ActionType]Compensator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UndoResult describes a successful undo.
type UndoResult struct {
	ActionID string
	Type     domain.ActionType
	UndoneAt time.Time
}

// Undo reverses the action identified by actionID exactly once. It returns
// ErrNotFound when the action is absent (or, when userID is set, owned by
// someone else) and ErrExpired once the window has closed, leaving state
// unchanged. The action row is locked for the duration so concurrent attempts
// serialise and only one applies the compensation.
func (s *Service) Undo(ctx context.Context, actionID, userID string) (UndoResult, error) {
	if actionID == "" {
		return UndoResult{}, domain.Invalid("action id is required")
	}

	now := s.now()
	var result UndoResult
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		action, err := tx.LockAction(ctx, actionID)
		if err != nil {
			return err
		}
		if action == nil || (userID != "" && action.UserID != userID) {
			return fmt.Errorf("action %s: %w", actionID, domain.ErrNotFound)
		}
		if action.Expired(now) {
			return fmt.Errorf("action %s expired at %s: %w", actionID, action.ExpiresAt.Format(time.RFC3339), domain.ErrExpired)
		}

		compensate, ok := s.compensators[action.Type]
		if !ok {
			return fmt.Errorf("no compensator registered for %q actions", action.Type)
		}
		if err := compensate(ctx, tx, *action, now); err != nil {
			return err
		}
		if err := tx.DeleteAction(ctx, actionID); err != nil {
			return err
		}
		result = UndoResult{ActionID: actionID, Type: action.Type, UndoneAt: now}
		return nil
	})

	switch {
	case err == nil:
		observability.RecordUndo("undone")
		s.logger.Info("action undone", zap.String("action_id", actionID), zap.String("type", string(result.Type)))
	case errors.Is(err, domain.ErrExpired):
		observability.RecordUndo("expired")
	case errors.Is(err, domain.ErrNotFound):
		observability.RecordUndo("not_found")
	default:
		s.logger.Error("undo failed", zap.String("action_id", actionID), zap.Error(err))
	}
	return result, err
}

// CollectExpired deletes actions whose window has closed. Undo evaluates
// expiry lazily, so this only reclaims storage.
func (s *Service) CollectExpired(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteExpiredActions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("expired actions collected", zap.Int("removed", removed))
	}
	return removed, nil
}
