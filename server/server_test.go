package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/storage/memory"
)

func TestNewServerRequiresStorage(t *testing.T) {
	_, err := NewServer(context.Background(), Config{})
	require.Error(t, err)
}

func TestHandleHealthzOK(t *testing.T) {
	s, _ := newTestServer(fixedNow)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleHealthzUnhealthy(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s, err := NewServer(context.Background(), Config{
		Storage: memory.New(),
		Logger:  logger,
		HealthCheck: func() error {
			return errors.New("storage unreachable")
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotFoundRouteReturns404(t *testing.T) {
	s, _ := newTestServer(fixedNow)
	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, 5*time.Minute, valueOr(0, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, valueOr(-time.Second, 5*time.Minute))
	assert.Equal(t, time.Second, valueOr(time.Second, 5*time.Minute))
}

func TestRequestIDAndRemoteIPContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background())
	assert.NotEmpty(t, RequestIDFromContext(ctx))

	ctx = WithRemoteIP(ctx, "198.51.100.5")
	assert.Equal(t, "198.51.100.5", RemoteIPFromContext(ctx))
}

func TestRequestIDFromContextEmptyWhenUnset(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "", RemoteIPFromContext(context.Background()))
}
