package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/observability"
	"example.com/mileage/internal/ops"
)

const consistencyActor = "consistency-check"

// ConsistencyReport is the outcome of comparing a cached aggregate with the ledger.
type ConsistencyReport struct {
	UserID     string
	Cached     decimal.Decimal
	Recomputed decimal.Decimal
	Rebuilt    bool
	// Err wraps domain.ErrInconsistent when the cache had drifted.
	Err error
}

// Consistent reports whether the cache matched the ledger.
func (r ConsistencyReport) Consistent() bool {
	return r.Err == nil
}

// VerifySummary totals a VerifyAll pass.
type VerifySummary struct {
	Checked      int
	Inconsistent int
}

// Rebuild recomputes the user's total from the ledger and overwrites the cache.
func (s *Service) Rebuild(ctx context.Context, userID, actor string) (domain.UserAggregate, error) {
	if userID == "" {
		return domain.UserAggregate{}, domain.Invalid("user id is required")
	}

	now := s.now()
	var rebuilt domain.UserAggregate
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		previous, err := tx.GetAggregate(ctx, userID)
		if err != nil {
			return err
		}
		total, err := tx.SumEffectiveMiles(ctx, userID)
		if err != nil {
			return err
		}
		rebuilt = domain.UserAggregate{UserID: userID, TotalMiles: total, UpdatedAt: now}
		if err := tx.SetAggregate(ctx, rebuilt); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ops.NewAuditEntry("aggregate.rebuild", userID, actor, map[string]any{
			"previous_total": previous.TotalMiles.String(),
			"rebuilt_total":  total.String(),
		}, now))
	})
	if err != nil {
		return domain.UserAggregate{}, err
	}
	s.logger.Info("aggregate rebuilt", zap.String("user_id", userID), zap.String("total_miles", rebuilt.TotalMiles.String()))
	return rebuilt, nil
}

// Verify compares the cached aggregate with a full recomputation. On drift it
// rebuilds the cache and logs an error incident in the same unit of work; the
// drift is reported through the returned report, not as an error.
func (s *Service) Verify(ctx context.Context, userID string) (ConsistencyReport, error) {
	now := s.now()
	report := ConsistencyReport{UserID: userID}
	var drift domain.Incident

	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		cached, err := tx.GetAggregate(ctx, userID)
		if err != nil {
			return err
		}
		total, err := tx.SumEffectiveMiles(ctx, userID)
		if err != nil {
			return err
		}
		report.Cached = cached.TotalMiles
		report.Recomputed = total
		if cached.TotalMiles.Equal(total) {
			return nil
		}

		report.Err = fmt.Errorf("user %s: cached %s, ledger %s: %w", userID, cached.TotalMiles, total, domain.ErrInconsistent)
		if err := tx.SetAggregate(ctx, domain.UserAggregate{UserID: userID, TotalMiles: total, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, ops.NewAuditEntry("aggregate.rebuild", userID, consistencyActor, map[string]any{
			"previous_total": cached.TotalMiles.String(),
			"rebuilt_total":  total.String(),
		}, now)); err != nil {
			return err
		}
		msg := fmt.Sprintf("aggregate for user %s drifted (cached %s, ledger %s); rebuilt", userID, cached.TotalMiles, total)
		drift = ops.NewIncident(msg, domain.IncidentError, now, ops.ForUser(userID))
		return ops.AppendIncident(ctx, tx, drift)
	})
	if err != nil {
		return ConsistencyReport{}, err
	}

	if report.Err != nil {
		report.Rebuilt = true
		ops.RecordIncidents(drift)
		observability.RecordInconsistency()
		s.logger.Error("aggregate inconsistent with ledger", zap.String("user_id", userID), zap.Error(report.Err))
	}
	return report, nil
}

// VerifyAll runs Verify for every known user. Per-user failures are collected
// and returned together after the pass completes.
func (s *Service) VerifyAll(ctx context.Context) (VerifySummary, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return VerifySummary{}, err
	}

	var (
		summary VerifySummary
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		report, err := s.Verify(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("verify %s: %w", id, err))
			continue
		}
		summary.Checked++
		if !report.Consistent() {
			summary.Inconsistent++
		}
	}
	return summary, errors.Join(errs...)
}
