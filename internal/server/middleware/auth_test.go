package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, claims *AppClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func waiterClaims() *AppClaims {
	return &AppClaims{
		TenantID: "t1",
		Branches: []string{"b1", "b2"},
		Sectors:  []string{"s1"},
		Role:     "waiter",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

// authRequest runs one request through metadata + auth and returns the
// recorded response and the metadata the handler saw.
func authRequest(t *testing.T, requiredRole string, prep func(*http.Request)) (*httptest.ResponseRecorder, *RequestMetadata) {
	t.Helper()

	var seen *RequestMetadata
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ReqMetadataFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Chain(final,
		RequestMetadataMiddleware(),
		NewAuthMiddleware(testLogger(), testSecret, requiredRole),
	)

	req := httptest.NewRequest(http.MethodGet, "/ws/waiter", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	prep(req)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	rec, meta := authRequest(t, "waiter", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, waiterClaims(), testSecret))
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, meta)
	assert.Equal(t, "u1", meta.UserID)
	assert.Equal(t, "t1", meta.TenantID)
	assert.Equal(t, []string{"b1", "b2"}, meta.Branches)
	assert.Equal(t, []string{"s1"}, meta.Sectors)
}

func TestAuthAcceptsCookieFallback(t *testing.T) {
	rec, meta := authRequest(t, "waiter", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "session-token", Value: signToken(t, waiterClaims(), testSecret)})
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", meta.UserID)
}

func TestAuthRejectsMissingCredential(t *testing.T) {
	rec, _ := authRequest(t, "waiter", func(r *http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongSignature(t *testing.T) {
	rec, _ := authRequest(t, "waiter", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, waiterClaims(), "other-secret"))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	claims := waiterClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	rec, _ := authRequest(t, "waiter", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, claims, testSecret))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequiresSubAndTenant(t *testing.T) {
	noSub := waiterClaims()
	noSub.Subject = ""
	rec, _ := authRequest(t, "waiter", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, noSub, testSecret))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noTenant := waiterClaims()
	noTenant.TenantID = ""
	rec, _ = authRequest(t, "waiter", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, noTenant, testSecret))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthEnforcesEndpointRole(t *testing.T) {
	rec, _ := authRequest(t, "kitchen", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+signToken(t, waiterClaims(), testSecret))
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginCheck(t *testing.T) {
	run := func(allowed []string, origin string) int {
		final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		handler := NewOriginCheck(testLogger(), allowed)(final)
		req := httptest.NewRequest(http.MethodGet, "/ws/waiter", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, run(nil, "https://evil.example"), "empty list admits everything")
	assert.Equal(t, http.StatusOK, run([]string{"app.example.com"}, "https://app.example.com"))
	assert.Equal(t, http.StatusForbidden, run([]string{"app.example.com"}, "https://evil.example"))
	assert.Equal(t, http.StatusOK, run([]string{"app.example.com"}, ""), "non-browser clients send no origin")
}
