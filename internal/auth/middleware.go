package auth

import (
	"net/http"
	"strings"
)

// Skipper lets requests bypass authentication.
type Skipper func(r *http.Request) bool

// Middleware enforces bearer-token authentication.
type Middleware struct {
	config  Config
	skipper Skipper
	onError func(w http.ResponseWriter, r *http.Request, err error)
}

// NewMiddleware constructs a Middleware. Health and metrics endpoints are
// always skipped. onError renders authentication failures; nil writes a plain 401.
func NewMiddleware(cfg Config, onError func(http.ResponseWriter, *http.Request, error)) Middleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return Middleware{
		config: cfg,
		skipper: func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		},
		onError: onError,
	}
}

// Wrap attaches authentication to next.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipper != nil && m.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.parseRequest(r)
		if err != nil {
			m.onError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrInvalidToken
	}
	return Parse(token, m.config)
}
