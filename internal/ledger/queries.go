package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/persistence"
)

// ActivityPage is one page of a user's activities, newest first.
type ActivityPage struct {
	Items      []domain.ActivityView
	NextCursor string
}

// Progress is the O(1) progress read: the cached total plus the latest activities.
type Progress struct {
	UserID     string
	TotalMiles decimal.Decimal
	UpdatedAt  time.Time
	Recent     []domain.ActivityView
}

// GetActivity returns the effective-miles projection of one of the caller's activities.
func (s *Service) GetActivity(ctx context.Context, userID, activityID string) (domain.ActivityView, error) {
	view, err := s.store.GetActivityView(ctx, activityID)
	if err != nil {
		return domain.ActivityView{}, err
	}
	if view == nil || view.UserID != userID {
		return domain.ActivityView{}, fmt.Errorf("activity %s: %w", activityID, domain.ErrNotFound)
	}
	return *view, nil
}

// ListActivities pages through the caller's activities.
func (s *Service) ListActivities(ctx context.Context, userID, cursor string, limit int) (ActivityPage, error) {
	decoded, err := persistence.DecodeCursor(cursor)
	if err != nil {
		return ActivityPage{}, err
	}
	items, next, err := s.store.ListActivityViews(ctx, userID, decoded, clampLimit(limit))
	if err != nil {
		return ActivityPage{}, err
	}
	if items == nil {
		items = []domain.ActivityView{}
	}
	return ActivityPage{Items: items, NextCursor: persistence.EncodeCursor(next)}, nil
}

// Progress reads the aggregate cache; it never rescans the ledger. Users
// without data get a zero total.
func (s *Service) Progress(ctx context.Context, userID string) (Progress, error) {
	agg, err := s.store.GetAggregate(ctx, userID)
	if err != nil {
		return Progress{}, err
	}
	recent, _, err := s.store.ListActivityViews(ctx, userID, nil, recentActivity)
	if err != nil {
		return Progress{}, err
	}
	if recent == nil {
		recent = []domain.ActivityView{}
	}
	return Progress{
		UserID:     userID,
		TotalMiles: agg.TotalMiles,
		UpdatedAt:  agg.UpdatedAt,
		Recent:     recent,
	}, nil
}
