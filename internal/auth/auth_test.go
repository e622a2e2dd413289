package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "mileage.identity"}

func TestParseRoundTrip(t *testing.T) {
	token, err := Sign(testConfig, "U", []string{ScopeMilesRead, ScopeMilesWrite}, time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "U", claims.Subject)
	require.True(t, claims.HasScope(ScopeMilesWrite))
	require.False(t, claims.HasScope(ScopeOpsAdmin))
}

func TestParseRejectsBadTokens(t *testing.T) {
	expired, err := Sign(testConfig, "U", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	wrongIssuer, err := Sign(Config{Secret: testConfig.Secret, Issuer: "other"}, "U", nil, time.Hour, time.Now())
	require.NoError(t, err)
	wrongKey, err := Sign(Config{Secret: "nope", Issuer: testConfig.Issuer}, "U", nil, time.Hour, time.Now())
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired": expired,
		"issuer":  wrongIssuer,
		"key":     wrongKey,
		"subject": noSubject,
		"garbage": "a.b.c",
	} {
		_, err := Parse(token, testConfig)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestNormalizeScopesAcceptsSpaceDelimited(t *testing.T) {
	scopes := normalizeScopes("miles:read  ops:admin")
	require.Len(t, scopes, 2)
	require.Contains(t, scopes, ScopeOpsAdmin)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, nil).Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	token, err := Sign(testConfig, "U", []string{ScopeMilesRead}, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "U", seen.Subject)
}
