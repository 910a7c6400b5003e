package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
)

func TestWriteJSONErrorMapsKindToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, authgwerr.Validation("bad input"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body apiErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error)
	assert.Equal(t, "bad input", body.ErrorDescription)
}

func TestWriteJSONErrorInvalidClientSetsWWWAuthenticate(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, authgwerr.OAuthProtocol(authgwerr.OAuthInvalidClient, "unknown client"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestWriteJSONErrorRateLimitSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	aerr := authgwerr.RateLimit(30)
	writeJSONError(rec, aerr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestWriteJSONErrorWrapsUnknownError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body apiErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
}

func TestRedirectWithOAuthErrorEchoesState(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	redirectURL, err := url.Parse("https://app.example.com/callback")
	require.NoError(t, err)

	redirectWithOAuthError(rec, req, *redirectURL, authgwerr.OAuthProtocol(authgwerr.OAuthAccessDenied, "nope"), "xyz")

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "nope", loc.Query().Get("error_description"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestRedirectWithOAuthErrorOmitsEmptyState(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	redirectURL, err := url.Parse("https://app.example.com/callback")
	require.NoError(t, err)

	redirectWithOAuthError(rec, req, *redirectURL, authgwerr.OAuthProtocol(authgwerr.OAuthAccessDenied, "nope"), "")

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Empty(t, loc.Query().Get("state"))
}
