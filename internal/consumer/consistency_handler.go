package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
	"example.com/mileage/internal/ledger"
)

// Verifier runs a consistency check for one user.
type Verifier interface {
	Verify(ctx context.Context, userID string) (ledger.ConsistencyReport, error)
}

// HandlerOption configures a ConsistencyHandler.
type HandlerOption func(*ConsistencyHandler)

// WithHandlerLogger overrides the handler logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *ConsistencyHandler) {
		h.logger = logger
	}
}

// WithRetry bounds how long a failing check is retried before the message is
// left uncommitted.
func WithRetry(initial, maxElapsed time.Duration) HandlerOption {
	return func(h *ConsistencyHandler) {
		h.initialInterval = initial
		h.maxElapsed = maxElapsed
	}
}

// ConsistencyHandler checks the affected user's aggregate against the ledger
// whenever an activity or correction event arrives. Drift is repaired and
// reported by the Verifier itself.
type ConsistencyHandler struct {
	verifier        Verifier
	logger          *zap.Logger
	initialInterval time.Duration
	maxElapsed      time.Duration
}

// NewConsistencyHandler constructs a ConsistencyHandler.
func NewConsistencyHandler(verifier Verifier, opts ...HandlerOption) *ConsistencyHandler {
	h := &ConsistencyHandler{
		verifier:        verifier,
		logger:          zap.NewNop(),
		initialInterval: 200 * time.Millisecond,
		maxElapsed:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type userScoped struct {
	UserID string `json:"user_id"`
}

// Handle implements Handler. Events that do not touch the ledger are ignored.
func (h *ConsistencyHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeActivityIngested, events.TypeCorrectionApplied:
	default:
		return nil
	}

	var body userScoped
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}
	if body.UserID == "" {
		h.logger.Warn("ledger event without user id", zap.String("event_type", msg.EventType), zap.Int64("offset", msg.Offset))
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.initialInterval
	policy.MaxElapsedTime = h.maxElapsed

	attempt := 0
	var report ledger.ConsistencyReport
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			verifyRetryCounter.Inc()
		}
		var err error
		report, err = h.verifier.Verify(ctx, body.UserID)
		if errors.Is(err, domain.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("verify %s: %w", body.UserID, err)
	}

	if !report.Consistent() {
		h.logger.Warn("aggregate drift repaired",
			zap.String("user_id", body.UserID),
			zap.String("cached", report.Cached.String()),
			zap.String("recomputed", report.Recomputed.String()),
		)
	}
	return nil
}
