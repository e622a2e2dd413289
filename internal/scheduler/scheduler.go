// Package scheduler runs the periodic jobs: provider syncs, undo-window
// garbage collection and the aggregate consistency sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/syncpipeline"
)

type syncer interface {
	Providers() []string
	SyncAll(ctx context.Context, targets []syncpipeline.Target) ([]syncpipeline.Result, error)
}

type collector interface {
	CollectExpired(ctx context.Context) (int, error)
}

type verifier interface {
	VerifyAll(ctx context.Context) (ledger.VerifySummary, error)
}

// Config sets the job intervals. A zero interval disables the job.
type Config struct {
	SyncInterval        time.Duration
	ActionGCInterval    time.Duration
	ConsistencyInterval time.Duration
	// Users restricts scheduled syncs; empty means every known user.
	Users []string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler drives the periodic jobs until its context ends.
type Scheduler struct {
	cfg     Config
	users   domain.Reader
	sync    syncer
	actions collector
	ledger  verifier
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config, users domain.Reader, pipeline syncer, actions collector, ledgerSvc verifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		users:   users,
		sync:    pipeline,
		actions: actions,
		ledger:  ledgerSvc,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"sync", s.cfg.SyncInterval, s.SyncOnce},
		{"action_gc", s.cfg.ActionGCInterval, s.CollectOnce},
		{"consistency", s.cfg.ConsistencyInterval, s.VerifyOnce},
	}
	for _, job := range jobs {
		if job.interval <= 0 {
			s.logger.Info("scheduled job disabled", zap.String("job", job.name))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job.name, job.interval, job.fn)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scheduled job started", zap.String("job", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}
}

// SyncOnce syncs every target user against every registered provider.
// Upstream failures are recorded per attempt and do not fail the pass.
func (s *Scheduler) SyncOnce(ctx context.Context) error {
	users := s.cfg.Users
	if len(users) == 0 {
		var err error
		if users, err = s.users.ListUserIDs(ctx); err != nil {
			return err
		}
	}
	providers := s.sync.Providers()
	targets := make([]syncpipeline.Target, 0, len(users)*len(providers))
	for _, user := range users {
		for _, provider := range providers {
			targets = append(targets, syncpipeline.Target{UserID: user, Provider: provider})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	results, err := s.sync.SyncAll(ctx, targets)
	if err != nil {
		return err
	}
	counts := make(map[domain.SyncStatus]int)
	added := 0
	for _, r := range results {
		counts[r.Status]++
		added += r.Added
	}
	s.logger.Info("scheduled sync pass",
		zap.Int("targets", len(targets)),
		zap.Int("added", added),
		zap.Int("success", counts[domain.SyncSuccess]),
		zap.Int("rate_limited", counts[domain.SyncRateLimited]),
		zap.Int("outage", counts[domain.SyncOutage]),
		zap.Int("partial_failure", counts[domain.SyncPartialFailure]),
	)
	return nil
}

// CollectOnce deletes undo windows that have closed.
func (s *Scheduler) CollectOnce(ctx context.Context) error {
	removed, err := s.actions.CollectExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("expired actions collected", zap.Int("removed", removed))
	}
	return nil
}

// VerifyOnce checks every cached aggregate against the ledger.
func (s *Scheduler) VerifyOnce(ctx context.Context) error {
	summary, err := s.ledger.VerifyAll(ctx)
	s.logger.Info("consistency sweep",
		zap.Int("checked", summary.Checked),
		zap.Int("inconsistent", summary.Inconsistent),
	)
	return err
}
