// Package ledger owns the append-only correction ledger, the effective-miles
// projection and the per-user aggregate cache.
package ledger

import (
	"time"

	"go.uber.org/zap"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	recentActivity  = 5
	maxNoteLength   = 2000
)

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

// WithUndoWindow sets how long manual corrections and notes stay reversible.
func WithUndoWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.undoWindow = d
		}
	}
}

// Service orchestrates ledger workflows over a domain.Store.
type Service struct {
	store      domain.Store
	now        func() time.Time
	logger     *zap.Logger
	undoWindow time.Duration
}

// NewService constructs a Service.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
		undoWindow: actionlog.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
