package syncpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"example.com/mileage/internal/domain"
)

const defaultRetryAfter = time.Minute

// HTTPProvider fetches activities from a JSON upstream at
// GET {baseURL}/v1/users/{user}/activities.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPProvider constructs an HTTPProvider. A nil client uses a 10s timeout.
func NewHTTPProvider(name, baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

type upstreamActivity struct {
	ExternalID  string          `json:"external_id"`
	Miles       decimal.Decimal `json:"miles"`
	DurationSec int64           `json:"duration_sec"`
	StartedAt   time.Time       `json:"started_at"`
}

type upstreamBatch struct {
	Activities []upstreamActivity `json:"activities"`
}

// FetchActivities maps throttling to ErrRateLimited and server errors,
// timeouts and unreachable hosts to ErrOutage.
func (p *HTTPProvider) FetchActivities(ctx context.Context, req FetchRequest) ([]ProviderActivity, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/activities", p.baseURL, url.PathEscape(req.UserID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Token.Value != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token.Value)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.UpstreamError{
			Kind:       domain.ErrRateLimited,
			Provider:   p.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.UpstreamError{
			Kind:     domain.ErrOutage,
			Provider: p.name,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}

	var batch upstreamBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%s: decode batch: %w", p.name, err)
	}

	out := make([]ProviderActivity, 0, len(batch.Activities))
	for _, a := range batch.Activities {
		out = append(out, ProviderActivity{
			ExternalID: a.ExternalID,
			Miles:      a.Miles,
			Duration:   time.Duration(a.DurationSec) * time.Second,
			StartedAt:  a.StartedAt,
		})
	}
	return out, nil
}

func (p *HTTPProvider) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.UpstreamError{Kind: domain.ErrOutage, Provider: p.name, Err: fmt.Errorf("timeout: %w", err)}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.UpstreamError{Kind: domain.ErrOutage, Provider: p.name, Err: err}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
