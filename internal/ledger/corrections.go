package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/observability"
)

// CorrectionInput captures a requested mileage adjustment.
type CorrectionInput struct {
	ActivityID string
	UserID     string
	DeltaMiles decimal.Decimal
	Reason     string
	Source     domain.CorrectionSource
}

// Validate checks the input before any storage access.
func (in CorrectionInput) Validate() error {
	switch {
	case strings.TrimSpace(in.ActivityID) == "":
		return domain.Invalid("activity id is required")
	case strings.TrimSpace(in.UserID) == "":
		return domain.Invalid("user id is required")
	case in.DeltaMiles.IsZero():
		return domain.Invalid("delta_miles must be non-zero")
	case strings.TrimSpace(in.Reason) == "":
		return domain.Invalid("reason is required")
	case !in.Source.Valid():
		return domain.Invalid("unknown correction source %q", in.Source)
	}
	return domain.CheckMiles("delta_miles", in.DeltaMiles)
}

// CorrectionResult reports the outcome of ApplyCorrection. ActionID is the
// undo token and is empty for system corrections.
type CorrectionResult struct {
	CorrectionID   string
	ActionID       string
	ExpiresAt      time.Time
	EffectiveMiles decimal.Decimal
}

type correctionPayload struct {
	CorrectionID string `json:"correction_id"`
	ActivityID   string `json:"activity_id"`
	DeltaMiles   string `json:"delta_miles"`
}

// ApplyCorrection appends a correction to an activity owned by the caller and
// moves the aggregate by the same delta in one unit of work. Activities that
// are absent or owned by another user are reported as ErrNotFound. A manual
// correction may not take the activity's effective miles below zero.
func (s *Service) ApplyCorrection(ctx context.Context, in CorrectionInput) (CorrectionResult, error) {
	if in.Source == "" {
		in.Source = domain.CorrectionSourceManual
	}
	if err := in.Validate(); err != nil {
		return CorrectionResult{}, err
	}

	now := s.now()
	correction := domain.Correction{
		ID:         uuid.NewString(),
		ActivityID: in.ActivityID,
		UserID:     in.UserID,
		DeltaMiles: in.DeltaMiles,
		Reason:     strings.TrimSpace(in.Reason),
		Source:     in.Source,
		CreatedAt:  now,
	}

	var result CorrectionResult
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		view, err := tx.GetActivityView(ctx, in.ActivityID)
		if err != nil {
			return err
		}
		if view == nil || view.UserID != in.UserID {
			return fmt.Errorf("activity %s: %w", in.ActivityID, domain.ErrNotFound)
		}

		effective := view.EffectiveMiles.Add(in.DeltaMiles)
		if in.Source == domain.CorrectionSourceManual && effective.IsNegative() {
			return domain.Invalid("correction would leave %s effective miles", effective.String())
		}

		if err := appendCorrection(ctx, tx, correction); err != nil {
			return err
		}
		result = CorrectionResult{CorrectionID: correction.ID, EffectiveMiles: effective}

		if in.Source != domain.CorrectionSourceManual {
			return nil
		}
		action, err := actionlog.Record(ctx, tx, in.UserID, domain.ActionTypeCorrection, correctionPayload{
			CorrectionID: correction.ID,
			ActivityID:   correction.ActivityID,
			DeltaMiles:   correction.DeltaMiles.String(),
		}, now, s.undoWindow)
		if err != nil {
			return err
		}
		result.ActionID = action.ID
		result.ExpiresAt = action.ExpiresAt
		return nil
	})
	if err != nil {
		return CorrectionResult{}, err
	}

	observability.RecordCorrection(string(in.Source))
	s.logger.Info("correction applied",
		zap.String("correction_id", correction.ID),
		zap.String("activity_id", in.ActivityID),
		zap.String("user_id", in.UserID),
		zap.String("delta_miles", in.DeltaMiles.String()),
	)
	return result, nil
}

// CompensateCorrection is the undo effect for correction actions: it appends
// an equal and opposite system correction.
func (s *Service) CompensateCorrection(ctx context.Context, tx domain.Tx, action domain.UserAction, at time.Time) error {
	var payload correctionPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return fmt.Errorf("decode correction action %s: %w", action.ID, err)
	}
	delta, err := decimal.NewFromString(payload.DeltaMiles)
	if err != nil {
		return fmt.Errorf("decode correction action %s delta: %w", action.ID, err)
	}

	err = appendCorrection(ctx, tx, domain.Correction{
		ID:         uuid.NewString(),
		ActivityID: payload.ActivityID,
		UserID:     action.UserID,
		DeltaMiles: delta.Neg(),
		Reason:     "undo of correction " + payload.CorrectionID,
		Source:     domain.CorrectionSourceSystem,
		CreatedAt:  at,
	})
	if err != nil {
		return err
	}
	observability.RecordCorrection(string(domain.CorrectionSourceSystem))
	return nil
}
