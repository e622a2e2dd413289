package syncpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTokenTTL = time.Hour

// Token is a provider access token with an expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}

// TokenSource manages provider tokens per user. Refresh replaces the stored
// token with a new one.
type TokenSource interface {
	Token(ctx context.Context, userID, provider string) (Token, error)
	Refresh(ctx context.Context, userID, provider string) (Token, error)
}

type tokenKey struct {
	userID   string
	provider string
}

// EphemeralTokenSource issues opaque tokens held in memory. It stands in for
// a real OAuth exchange and only models the expiry/refresh lifecycle.
type EphemeralTokenSource struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[tokenKey]Token
}

// NewEphemeralTokenSource constructs a token source whose tokens live for ttl.
func NewEphemeralTokenSource(ttl time.Duration, now func() time.Time) *EphemeralTokenSource {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &EphemeralTokenSource{ttl: ttl, now: now, tokens: make(map[tokenKey]Token)}
}

// Token returns the stored token, which may be expired or empty.
func (s *EphemeralTokenSource) Token(_ context.Context, userID, provider string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[tokenKey{userID, provider}], nil
}

// Refresh issues a new token.
func (s *EphemeralTokenSource) Refresh(_ context.Context, userID, provider string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := Token{Value: uuid.NewString(), ExpiresAt: s.now().Add(s.ttl)}
	s.tokens[tokenKey{userID, provider}] = tok
	return tok, nil
}
