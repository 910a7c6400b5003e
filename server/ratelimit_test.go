package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/pkg/ratelimit"
	"github.com/thefixer3x/onasis-authgate/storage/memory"
)

// newTestServerWithLimiter builds a Server like newTestServer, without its
// cache but with an in-process (no durable KV) rate limiter wired in, and
// with X-Forwarded-For as the real-IP header, for tests that
// need Server.allowRate to actually deny requests.
func newTestServerWithLimiter(now time.Time) *Server {
	store := memory.New()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s, err := NewServer(context.Background(), Config{
		Storage:         store,
		CookieDomain:    "example.com",
		AuthCodeTTL:     5 * time.Minute,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		UAICacheTTL:     5 * time.Minute,
		ClientCacheTTL:  time.Hour,
		Logger:          logger,
		Now:             func() time.Time { return now },
		Limiter:         ratelimit.New(nil, logger),
		RealIPHeader:    "X-Forwarded-For",
	})
	if err != nil {
		panic(err)
	}
	return s
}

func TestAllowRateNilLimiterAlwaysAllows(t *testing.T) {
	s, _ := newTestServer(fixedNow)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	assert.True(t, s.allowRate(rec, req, rateLimitLogin, "1.2.3.4"))
}

func TestAllowRateDeniesOverLimit(t *testing.T) {
	s := newTestServerWithLimiter(fixedNow)
	class := rateLimitClass{prefix: "rl:test", limit: 2, window: time.Minute}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		require.True(t, s.allowRate(rec, req, class, "same-key"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	assert.False(t, s.allowRate(rec, req, class, "same-key"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAllowRateScopedPerKey(t *testing.T) {
	s := newTestServerWithLimiter(fixedNow)
	class := rateLimitClass{prefix: "rl:test2", limit: 1, window: time.Minute}

	req1 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec1 := httptest.NewRecorder()
	require.True(t, s.allowRate(rec1, req1, class, "key-a"))

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	assert.True(t, s.allowRate(rec2, req2, class, "key-b"), "distinct key must have its own budget")
}

func TestHandleLoginRateLimited(t *testing.T) {
	s := newTestServerWithLimiter(fixedNow)

	var rec *httptest.ResponseRecorder
	for i := 0; i < rateLimitLogin.limit; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{"user_id":"user-1"}`))
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		rec = httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{"user_id":"user-1"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
