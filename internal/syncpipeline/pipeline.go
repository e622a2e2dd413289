// Package syncpipeline pulls provider activity batches into the ledger under
// the control of simulation flags.
package syncpipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/observability"
	"example.com/mileage/internal/ops"
)

const (
	defaultConcurrency = 4

	// attemptStatusError labels attempts whose batch failed to commit.
	attemptStatusError = "error"
)

// Result summarises one sync attempt.
type Result struct {
	RunID      string
	UserID     string
	Provider   string
	Status     domain.SyncStatus
	Added      int
	Dupes      int
	Invalid    int
	Delayed    bool
	Message    string
	RetryAfter time.Duration
}

// Target names one user/provider pair for SyncMany.
type Target struct {
	UserID   string
	Provider string
}

// Option configures optional behaviour for the Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithTokenSource enables the provider token lifecycle.
func WithTokenSource(tokens TokenSource) Option {
	return func(p *Pipeline) {
		p.tokens = tokens
	}
}

// WithChaosDelay sets how long the delay flag holds an attempt.
func WithChaosDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		p.chaosDelay = d
	}
}

// WithTimeout bounds each attempt. An attempt that runs out of time ends as an outage.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// WithConcurrency bounds how many users SyncMany processes at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func withSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

// Pipeline runs sync attempts against registered providers.
type Pipeline struct {
	store       domain.Store
	providers   map[string]Provider
	tokens      TokenSource
	now         func() time.Time
	logger      *zap.Logger
	chaosDelay  time.Duration
	timeout     time.Duration
	concurrency int
	sleep       func(context.Context, time.Duration) error
}

// NewPipeline constructs a Pipeline over the given providers.
func NewPipeline(store domain.Store, providers []Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		providers:   make(map[string]Provider, len(providers)),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
		chaosDelay:  2 * time.Second,
		concurrency: defaultConcurrency,
		sleep:       sleepContext,
	}
	for _, provider := range providers {
		p.providers[provider.Name()] = provider
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Providers lists the registered provider names.
func (p *Pipeline) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncUser runs one attempt for the user against provider using the supplied
// flags. Accepted records of the batch commit in a single unit of work;
// duplicates are counted, not treated as failures. For RateLimited and Outage
// the populated Result is returned together with an error wrapping
// domain.ErrRateLimited or domain.ErrOutage.
func (p *Pipeline) SyncUser(ctx context.Context, userID, providerName string, flags domain.SimulationFlags) (Result, error) {
	if strings.TrimSpace(userID) == "" {
		return Result{}, domain.Invalid("user id is required")
	}
	upstream, ok := p.providers[providerName]
	if !ok {
		return Result{}, domain.Invalid("unknown provider %q", providerName)
	}

	started := p.now()
	result := Result{RunID: uuid.NewString(), UserID: userID, Provider: providerName, Status: domain.SyncPending}
	rolledBack := false
	defer func() {
		status := string(result.Status)
		if rolledBack {
			status = attemptStatusError
		}
		observability.RecordSyncAttempt(providerName, status, result.Delayed, p.now().Sub(started))
	}()

	attemptCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	chaos := &chaosProvider{
		upstream: upstream,
		flags:    flags,
		delay:    p.chaosDelay,
		sleep:    p.sleep,
		replay: func(ctx context.Context, userID string) ([]ProviderActivity, error) {
			return p.seenActivities(ctx, userID, providerName)
		},
		known: func(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
			return p.store.KnownExternalIDs(ctx, providerName, externalIDs)
		},
	}

	batch, fetchErr := p.fetch(attemptCtx, chaos, userID)
	result.Delayed = chaos.delayed
	if fetchErr != nil {
		var err error
		result, err = p.recordFailure(ctx, result, started, fetchErr)
		return result, err
	}

	if err := p.commitBatch(ctx, &result, started, batch); err != nil {
		rolledBack = true
		result.Status = domain.SyncPending
		result.Added, result.Dupes, result.Invalid = 0, 0, 0
		p.logger.Error("sync batch rolled back", zap.String("user_id", userID), zap.String("provider", providerName), zap.Error(err))
		return result, err
	}
	if ack, ok := upstream.(Acknowledger); ok {
		ack.Ack(userID)
	}

	observability.RecordSyncRecords(providerName, observability.RecordAdded, result.Added)
	observability.RecordSyncRecords(providerName, observability.RecordDuplicate, result.Dupes)
	observability.RecordSyncRecords(providerName, observability.RecordInvalid, result.Invalid)
	if result.Added > 0 {
		observability.RecordActivityIngested(p.now())
	}
	p.logger.Info("sync completed",
		zap.String("user_id", userID),
		zap.String("provider", providerName),
		zap.String("status", string(result.Status)),
		zap.Int("added", result.Added),
		zap.Int("dupes", result.Dupes),
		zap.Bool("delayed", result.Delayed),
	)
	return result, nil
}

// Sync runs one attempt for the user using the currently stored simulation flags.
func (p *Pipeline) Sync(ctx context.Context, userID, providerName string) (Result, error) {
	flags, err := p.store.SimulationFlags(ctx)
	if err != nil {
		return Result{}, err
	}
	return p.SyncUser(ctx, userID, providerName, flags)
}

// SyncAll loads the stored flags once and runs every target through SyncMany.
func (p *Pipeline) SyncAll(ctx context.Context, targets []Target) ([]Result, error) {
	flags, err := p.store.SimulationFlags(ctx)
	if err != nil {
		return nil, err
	}
	return p.SyncMany(ctx, targets, flags), nil
}

// SyncMany runs the targets concurrently, partitioned by user so no two
// goroutines touch the same user. Results are returned in target order.
func (p *Pipeline) SyncMany(ctx context.Context, targets []Target, flags domain.SimulationFlags) []Result {
	results := make([]Result, len(targets))
	byUser := make(map[string][]int)
	var users []string
	for i, t := range targets {
		if _, ok := byUser[t.UserID]; !ok {
			users = append(users, t.UserID)
		}
		byUser[t.UserID] = append(byUser[t.UserID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, user := range users {
		indexes := byUser[user]
		g.Go(func() error {
			for _, i := range indexes {
				res, err := p.SyncUser(gctx, targets[i].UserID, targets[i].Provider, flags)
				if err != nil && res.Message == "" {
					res.UserID, res.Provider = targets[i].UserID, targets[i].Provider
					res.Message = err.Error()
				}
				results[i] = res
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) fetch(ctx context.Context, provider Provider, userID string) ([]ProviderActivity, error) {
	req := FetchRequest{UserID: userID}
	if p.tokens != nil {
		tok, err := p.tokens.Token(ctx, userID, provider.Name())
		if err != nil {
			return nil, err
		}
		if tok.Expired(p.now()) {
			if tok, err = p.tokens.Refresh(ctx, userID, provider.Name()); err != nil {
				return nil, &domain.UpstreamError{Kind: domain.ErrOutage, Provider: provider.Name(), Err: fmt.Errorf("token refresh: %w", err)}
			}
		}
		req.Token = tok
	}
	return provider.FetchActivities(ctx, req)
}

// commitBatch writes the accepted records, the sync run and any incident in
// one unit of work.
func (p *Pipeline) commitBatch(ctx context.Context, result *Result, started time.Time, batch []ProviderActivity) error {
	now := p.now()
	var (
		invalid []string
		logged  []domain.Incident
	)
	err := p.store.WithinTx(ctx, func(tx domain.Tx) error {
		result.Added, result.Dupes, result.Invalid = 0, 0, 0
		invalid, logged = invalid[:0], logged[:0]
		if err := tx.EnsureUser(ctx, result.UserID, now); err != nil {
			return err
		}
		for _, rec := range batch {
			if reason := validateRecord(rec); reason != "" {
				result.Invalid++
				invalid = append(invalid, reason)
				continue
			}
			accepted, err := ledger.Ingest(ctx, tx, domain.Activity{
				ID:         uuid.NewString(),
				UserID:     result.UserID,
				Provider:   result.Provider,
				ExternalID: rec.ExternalID,
				BaseMiles:  rec.Miles,
				Duration:   rec.Duration,
				StartedAt:  rec.StartedAt.UTC(),
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			if accepted {
				result.Added++
			} else {
				result.Dupes++
			}
		}

		result.Status = domain.SyncSuccess
		result.Message = fmt.Sprintf("added %d, %d duplicate(s)", result.Added, result.Dupes)
		if result.Invalid > 0 {
			result.Status = domain.SyncPartialFailure
			result.Message = fmt.Sprintf("%s, %d invalid record(s) skipped: %s", result.Message, result.Invalid, strings.Join(invalid, "; "))
		}
		if err := tx.InsertSyncRun(ctx, syncRun(*result, started, now)); err != nil {
			return err
		}
		if result.Status == domain.SyncPartialFailure {
			msg := fmt.Sprintf("sync %s for %s partially failed: %s", result.Provider, result.UserID, result.Message)
			inc := ops.NewIncident(msg, domain.IncidentWarning, now, ops.ForUser(result.UserID), ops.ForProvider(result.Provider))
			if err := ops.AppendIncident(ctx, tx, inc); err != nil {
				return err
			}
			logged = append(logged, inc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ops.RecordIncidents(logged...)
	return nil
}

// recordFailure persists the failed attempt and its incident. Nothing from the
// batch is written.
func (p *Pipeline) recordFailure(ctx context.Context, result Result, started time.Time, fetchErr error) (Result, error) {
	if errors.Is(fetchErr, context.Canceled) && ctx.Err() != nil {
		return result, fetchErr
	}

	var upstream *domain.UpstreamError
	if !errors.As(fetchErr, &upstream) {
		upstream = &domain.UpstreamError{Kind: domain.ErrOutage, Provider: result.Provider, Err: fetchErr}
	}

	severity := domain.IncidentError
	result.Status = domain.SyncOutage
	if errors.Is(upstream.Kind, domain.ErrRateLimited) {
		severity = domain.IncidentWarning
		result.Status = domain.SyncRateLimited
		result.RetryAfter = upstream.RetryAfter
	}
	result.Message = upstream.Error()

	now := p.now()
	msg := fmt.Sprintf("sync %s for %s: %s", result.Provider, result.UserID, result.Status)
	inc := ops.NewIncident(msg, severity, now, ops.ForUser(result.UserID), ops.ForProvider(result.Provider))
	err := p.store.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.EnsureUser(ctx, result.UserID, now); err != nil {
			return err
		}
		if err := tx.InsertSyncRun(ctx, syncRun(result, started, now)); err != nil {
			return err
		}
		return ops.AppendIncident(ctx, tx, inc)
	})
	if err != nil {
		p.logger.Error("record failed sync", zap.String("user_id", result.UserID), zap.Error(err))
	} else {
		ops.RecordIncidents(inc)
	}

	p.logger.Warn("sync failed upstream",
		zap.String("user_id", result.UserID),
		zap.String("provider", result.Provider),
		zap.String("status", string(result.Status)),
		zap.Error(fetchErr),
	)
	return result, upstream
}

func (p *Pipeline) seenActivities(ctx context.Context, userID, provider string) ([]ProviderActivity, error) {
	recent, err := p.store.RecentActivities(ctx, userID, provider, replayLimit)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderActivity, 0, len(recent))
	for _, a := range recent {
		out = append(out, ProviderActivity{ExternalID: a.ExternalID, Miles: a.BaseMiles, Duration: a.Duration, StartedAt: a.StartedAt})
	}
	return out, nil
}

func validateRecord(rec ProviderActivity) string {
	switch {
	case strings.TrimSpace(rec.ExternalID) == "":
		return "missing external id"
	case rec.Miles.IsNegative():
		return fmt.Sprintf("%s: negative miles", rec.ExternalID)
	case rec.StartedAt.IsZero():
		return fmt.Sprintf("%s: missing start time", rec.ExternalID)
	}
	if err := domain.CheckMiles("miles", rec.Miles); err != nil {
		return fmt.Sprintf("%s: %v", rec.ExternalID, err)
	}
	return ""
}

func syncRun(r Result, started, finished time.Time) domain.SyncRun {
	return domain.SyncRun{
		ID:         r.RunID,
		UserID:     r.UserID,
		Provider:   r.Provider,
		Status:     r.Status,
		Added:      r.Added,
		Dupes:      r.Dupes,
		Delayed:    r.Delayed,
		Message:    r.Message,
		StartedAt:  started,
		FinishedAt: finished,
	}
}
