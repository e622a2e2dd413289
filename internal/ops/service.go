// Package ops implements operator telemetry: the audit log, the incident feed,
// simulation flags, quiet-user handling and dashboard metrics.
package ops

import (
	"time"

	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
)

const (
	defaultQuietThreshold = 14 * 24 * time.Hour
	defaultActiveWindow   = 7 * 24 * time.Hour
	defaultSyncInterval   = 15 * time.Minute

	defaultPageSize = 50
	maxPageSize     = 200
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

// WithQuietThreshold sets how long a user may go without activity before being
// reported as quiet.
func WithQuietThreshold(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.quietThreshold = d
		}
	}
}

// WithActiveWindow sets the look-back used for the active users count and provider health.
func WithActiveWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.activeWindow = d
		}
	}
}

// WithSyncSchedule declares the providers the scheduler polls and how often.
func WithSyncSchedule(providers []string, interval time.Duration) Option {
	return func(s *Service) {
		s.scheduledProviders = append([]string(nil), providers...)
		if interval > 0 {
			s.syncInterval = interval
		}
	}
}

// Service serves the ops surface.
type Service struct {
	store              domain.Store
	now                func() time.Time
	logger             *zap.Logger
	quietThreshold     time.Duration
	activeWindow       time.Duration
	syncInterval       time.Duration
	scheduledProviders []string
}

// NewService constructs a Service.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         zap.NewNop(),
		quietThreshold: defaultQuietThreshold,
		activeWindow:   defaultActiveWindow,
		syncInterval:   defaultSyncInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QuietThreshold reports the configured quiet-user threshold.
func (s *Service) QuietThreshold() time.Duration {
	return s.quietThreshold
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
