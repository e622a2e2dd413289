package ops

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
)

// SimulationFlags returns the current chaos flags.
func (s *Service) SimulationFlags(ctx context.Context) (domain.SimulationFlags, error) {
	return s.store.SimulationFlags(ctx)
}

// SetSimulationFlags replaces the chaos flags. Each flag that changes emits an
// incident, and the change as a whole is audited, in the same unit of work.
// Submitting the current flags is a no-op.
func (s *Service) SetSimulationFlags(ctx context.Context, next domain.SimulationFlags, actor string) (domain.SimulationFlags, error) {
	now := s.now()
	var (
		saved       domain.SimulationFlags
		transitions []domain.FlagTransition
		logged      []domain.Incident
	)
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		current, err := tx.LoadSimulationFlags(ctx)
		if err != nil {
			return err
		}
		transitions = current.Transitions(next)
		if len(transitions) == 0 {
			saved = current
			return nil
		}

		next.UpdatedAt = now
		if err := tx.SaveSimulationFlags(ctx, next); err != nil {
			return err
		}
		changes := make(map[string]any, len(transitions))
		logged = logged[:0]
		for _, tr := range transitions {
			inc := NewIncident(transitionMessage(tr, actor), transitionSeverity(tr), now)
			if err := AppendIncident(ctx, tx, inc); err != nil {
				return err
			}
			logged = append(logged, inc)
			changes[tr.Flag] = map[string]any{"from": tr.From, "to": tr.To}
		}
		saved = next
		return tx.AppendAudit(ctx, NewAuditEntry("simulation.flags_updated", "simulation_flags", actor, changes, now))
	})
	if err != nil {
		return domain.SimulationFlags{}, err
	}
	RecordIncidents(logged...)

	for _, tr := range transitions {
		s.logger.Warn("simulation flag changed",
			zap.String("flag", tr.Flag),
			zap.Bool("enabled", tr.To),
			zap.String("actor", actor),
		)
	}
	return saved, nil
}

func transitionMessage(tr domain.FlagTransition, actor string) string {
	state := "disabled"
	if tr.To {
		state = "enabled"
	}
	if actor == "" {
		return fmt.Sprintf("simulation flag %s %s", tr.Flag, state)
	}
	return fmt.Sprintf("simulation flag %s %s by %s", tr.Flag, state, actor)
}

// Enabling outage is an error-level event; other enables warn; disables are informational.
func transitionSeverity(tr domain.FlagTransition) domain.IncidentType {
	switch {
	case !tr.To:
		return domain.IncidentInfo
	case tr.Flag == "outage":
		return domain.IncidentError
	default:
		return domain.IncidentWarning
	}
}
