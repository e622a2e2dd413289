package ledger

import (
	"context"
	"fmt"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
)

// Ingest claims the activity's dedup key and, when accepted, stores the
// activity and adds its base miles to the owner's aggregate, all within tx.
// It returns false without writing anything when the key was already claimed.
func Ingest(ctx context.Context, tx domain.Tx, activity domain.Activity) (bool, error) {
	accepted, err := tx.RegisterDedup(ctx, activity.Key(), activity.ID)
	if err != nil {
		return false, fmt.Errorf("register %s/%s: %w", activity.Provider, activity.ExternalID, err)
	}
	if !accepted {
		return false, nil
	}

	if err := tx.EnsureUser(ctx, activity.UserID, activity.CreatedAt); err != nil {
		return false, err
	}
	if err := tx.InsertActivity(ctx, activity); err != nil {
		return false, err
	}
	if err := tx.AdjustAggregate(ctx, activity.UserID, activity.BaseMiles, activity.CreatedAt); err != nil {
		return false, err
	}
	err = tx.EnqueueEvent(ctx, domain.Event{
		Type:        events.TypeActivityIngested,
		AggregateID: activity.ID,
		UserID:      activity.UserID,
		Payload: events.ActivityIngested{
			ActivityID:  activity.ID,
			UserID:      activity.UserID,
			Provider:    activity.Provider,
			ExternalID:  activity.ExternalID,
			BaseMiles:   activity.BaseMiles.String(),
			DurationSec: int64(activity.Duration.Seconds()),
			StartedAt:   activity.StartedAt,
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// appendCorrection is the single write path for corrections: the ledger row,
// the aggregate delta and the outbox event commit together.
func appendCorrection(ctx context.Context, tx domain.Tx, c domain.Correction) error {
	if err := tx.InsertCorrection(ctx, c); err != nil {
		return err
	}
	if err := tx.AdjustAggregate(ctx, c.UserID, c.DeltaMiles, c.CreatedAt); err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, domain.Event{
		Type:        events.TypeCorrectionApplied,
		AggregateID: c.ID,
		UserID:      c.UserID,
		Payload: events.CorrectionApplied{
			CorrectionID: c.ID,
			ActivityID:   c.ActivityID,
			UserID:       c.UserID,
			DeltaMiles:   c.DeltaMiles.String(),
			Reason:       c.Reason,
			Source:       string(c.Source),
			OccurredAt:   c.CreatedAt,
		},
	})
}
