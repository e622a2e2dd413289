package syncpipeline

import (
	"context"
	"errors"
	"time"

	"example.com/mileage/internal/domain"
)

const (
	simulatedRetryAfter = 30 * time.Second
	replayLimit         = 5
)

var (
	errSimulatedOutage    = errors.New("simulated outage")
	errSimulatedRateLimit = errors.New("simulated rate limit: try later")
)

// chaosProvider applies simulation flags around a real provider. Its failures
// have the same shape as the real provider's, so the pipeline handles them
// through the same code path.
type chaosProvider struct {
	upstream Provider
	flags    domain.SimulationFlags
	delay    time.Duration
	sleep    func(context.Context, time.Duration) error
	replay   func(ctx context.Context, userID string) ([]ProviderActivity, error)
	known    func(ctx context.Context, externalIDs []string) (map[string]struct{}, error)

	delayed bool
}

func (c *chaosProvider) Name() string { return c.upstream.Name() }

func (c *chaosProvider) FetchActivities(ctx context.Context, req FetchRequest) ([]ProviderActivity, error) {
	if c.flags.Outage {
		return nil, &domain.UpstreamError{Kind: domain.ErrOutage, Provider: c.Name(), Err: errSimulatedOutage}
	}
	if c.flags.RateLimit {
		return nil, &domain.UpstreamError{Kind: domain.ErrRateLimited, Provider: c.Name(), RetryAfter: simulatedRetryAfter, Err: errSimulatedRateLimit}
	}
	if c.flags.Delay {
		c.delayed = true
		if err := c.sleep(ctx, c.delay); err != nil {
			return nil, &domain.UpstreamError{Kind: domain.ErrOutage, Provider: c.Name(), Err: err}
		}
	}

	batch, err := c.upstream.FetchActivities(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.flags.Duplicates {
		return c.injectDuplicates(ctx, req.UserID, batch)
	}
	return batch, nil
}

// injectDuplicates appends already-ingested records to a batch that carries
// none. A batch holding any previously seen id is returned unchanged. Without
// history it repeats the batch's first record instead.
func (c *chaosProvider) injectDuplicates(ctx context.Context, userID string, batch []ProviderActivity) ([]ProviderActivity, error) {
	if c.known != nil && len(batch) > 0 {
		ids := make([]string, 0, len(batch))
		for _, a := range batch {
			ids = append(ids, a.ExternalID)
		}
		known, err := c.known(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(known) > 0 {
			return batch, nil
		}
	}

	var seen []ProviderActivity
	if c.replay != nil {
		var err error
		if seen, err = c.replay(ctx, userID); err != nil {
			return nil, err
		}
	}

	present := make(map[string]struct{}, len(batch))
	for _, a := range batch {
		present[a.ExternalID] = struct{}{}
	}
	injected := 0
	for _, a := range seen {
		if _, ok := present[a.ExternalID]; ok {
			continue
		}
		batch = append(batch, a)
		injected++
	}
	if injected == 0 && len(seen) == 0 && len(batch) > 0 {
		batch = append(batch, batch[0])
	}
	return batch, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
