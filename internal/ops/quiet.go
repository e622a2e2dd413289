package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
)

// QuietUser is a user with no recent activity who has not been contacted.
type QuietUser struct {
	UserID         string
	LastActivityAt *time.Time
	IdleFor        time.Duration
}

// QuietAction is an operator response to a quiet user.
type QuietAction string

const (
	QuietActionNudge   QuietAction = "nudge"
	QuietActionResolve QuietAction = "resolve"
)

// Valid reports whether the action is supported.
func (a QuietAction) Valid() bool {
	return a == QuietActionNudge || a == QuietActionResolve
}

// DetectQuietUsers returns the users idle for longer than threshold, most idle
// first. Users without activity are measured from account creation. Contacted
// users are never reported.
func DetectQuietUsers(now time.Time, threshold time.Duration, users []domain.UserRecency) []QuietUser {
	out := make([]QuietUser, 0)
	for _, u := range users {
		if u.Contacted {
			continue
		}
		since := u.CreatedAt
		if u.LastActivityAt != nil {
			since = *u.LastActivityAt
		}
		idle := now.Sub(since)
		if idle <= threshold {
			continue
		}
		out = append(out, QuietUser{UserID: u.UserID, LastActivityAt: u.LastActivityAt, IdleFor: idle})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IdleFor == out[j].IdleFor {
			return out[i].UserID < out[j].UserID
		}
		return out[i].IdleFor > out[j].IdleFor
	})
	return out
}

// QuietUsers evaluates quiet-user detection against current data.
func (s *Service) QuietUsers(ctx context.Context) ([]QuietUser, error) {
	recency, err := s.store.UserRecency(ctx)
	if err != nil {
		return nil, err
	}
	return DetectQuietUsers(s.now(), s.quietThreshold, recency), nil
}

// HandleQuietUser marks the user contacted and records both an audit entry and
// an incident. The three writes commit together or not at all.
func (s *Service) HandleQuietUser(ctx context.Context, userID string, action QuietAction, actor string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.Invalid("user id is required")
	}
	if !action.Valid() {
		return domain.Invalid("action must be nudge or resolve, got %q", action)
	}

	now := s.now()
	inc := NewIncident(fmt.Sprintf("quiet user %s handled: %s", userID, action), domain.IncidentInfo, now, ForUser(userID))
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		if err := tx.SetContacted(ctx, userID, now); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, NewAuditEntry("quiet_user."+string(action), userID, actor, map[string]any{
			"previously_contacted": user.Contacted,
		}, now)); err != nil {
			return err
		}
		return AppendIncident(ctx, tx, inc)
	})
	if err != nil {
		return err
	}
	RecordIncidents(inc)
	s.logger.Info("quiet user handled", zap.String("user_id", userID), zap.String("action", string(action)), zap.String("actor", actor))
	return nil
}
