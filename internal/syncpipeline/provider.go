package syncpipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderActivity is one upstream record as reported by a provider.
type ProviderActivity struct {
	ExternalID string          `json:"external_id"`
	Miles      decimal.Decimal `json:"miles"`
	Duration   time.Duration   `json:"-"`
	StartedAt  time.Time       `json:"started_at"`
}

// FetchRequest scopes a provider fetch.
type FetchRequest struct {
	UserID string
	Token  Token
}

// Provider pulls activity batches from an upstream service. Failures that the
// caller may retry are returned as *domain.UpstreamError.
type Provider interface {
	Name() string
	FetchActivities(ctx context.Context, req FetchRequest) ([]ProviderActivity, error)
}

// Acknowledger is implemented by providers that keep a per-user read
// position. Ack is called only after the fetched batch has committed, so a
// rolled-back batch is served again on the next attempt.
type Acknowledger interface {
	Ack(userID string)
}
