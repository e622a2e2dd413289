package syncpipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBatchSize = 3

// SimulatedProvider produces deterministic batches. Each acknowledged call
// for a user moves on to the next batch in a sequence derived from the seed,
// user and provider, so runs are reproducible.
type SimulatedProvider struct {
	name      string
	seed      int64
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	cursor  map[string]int
	pending map[string]int
}

// NewSimulatedProvider constructs a SimulatedProvider named name.
func NewSimulatedProvider(name string, seed int64, batchSize int, now func() time.Time) *SimulatedProvider {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SimulatedProvider{
		name:      name,
		seed:      seed,
		batchSize: batchSize,
		now:       now,
		cursor:    make(map[string]int),
		pending:   make(map[string]int),
	}
}

func (p *SimulatedProvider) Name() string { return p.name }

// FetchActivities returns the batch at the user's current position. The
// position only advances on Ack.
func (p *SimulatedProvider) FetchActivities(ctx context.Context, req FetchRequest) ([]ProviderActivity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	start := p.cursor[req.UserID]
	p.pending[req.UserID] = start
	p.mu.Unlock()

	rng := rand.New(rand.NewSource(p.userSeed(req.UserID, start)))
	now := p.now()
	out := make([]ProviderActivity, 0, p.batchSize)
	for i := 0; i < p.batchSize; i++ {
		n := start + i
		// 1.000 to 13.999 miles at a 7 to 12 minute pace.
		milli := 1000 + rng.Int63n(13000)
		m := decimal.New(milli, -3)
		pace := time.Duration(7*60+rng.Intn(5*60)) * time.Second
		out = append(out, ProviderActivity{
			ExternalID: fmt.Sprintf("%s-%s-%06d", p.name, req.UserID, n),
			Miles:      m,
			Duration:   time.Duration(m.InexactFloat64() * float64(pace)),
			StartedAt:  now.Add(-time.Duration(p.batchSize-i) * time.Hour).Truncate(time.Second),
		})
	}
	return out, nil
}

// Ack moves the user past the last fetched batch.
func (p *SimulatedProvider) Ack(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.pending[userID]
	if !ok {
		return
	}
	delete(p.pending, userID)
	if next := start + p.batchSize; next > p.cursor[userID] {
		p.cursor[userID] = next
	}
}

func (p *SimulatedProvider) userSeed(userID string, offset int) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%d", p.name, userID, offset)
	return p.seed ^ int64(h.Sum64())
}
