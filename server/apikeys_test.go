package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAPIKeysCollectionRequiresIdentity(t *testing.T) {
	s, _ := newTestServer(fixedNow)
	req := httptest.NewRequest(http.MethodGet, "/v1/api-keys", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndListAPIKeys(t *testing.T) {
	s, store := newTestServer(fixedNow)
	cookie := loginSessionCookie(t, s, store, "user-1")

	body, err := json.Marshal(createAPIKeyRequest{Name: "ci-key", AccessLevel: "authenticated"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/api-keys", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created apiKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key, CurrentAPIKeyPrefix))
	assert.Equal(t, "ci-key", created.Name)
	assert.True(t, created.IsActive)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/api-keys", nil)
	listReq.AddCookie(cookie)
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	var keys []apiKeyResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, created.ID, keys[0].ID)
	assert.Empty(t, keys[0].Key, "list must never echo the key value back")
}

func TestCreateAPIKeyDuplicateNameConflict(t *testing.T) {
	s, store := newTestServer(fixedNow)
	cookie := loginSessionCookie(t, s, store, "user-1")

	body, _ := json.Marshal(createAPIKeyRequest{Name: "ci-key"})
	mkReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/api-keys", bytes.NewReader(body))
		r.AddCookie(cookie)
		return r
	}
	rec1 := httptest.NewRecorder()
	s.ServeHTTP(rec1, mkReq())
	require.Equal(t, http.StatusCreated, rec1.Code)

	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, mkReq())
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestCreateAPIKeyInvalidAccessLevel(t *testing.T) {
	s, store := newTestServer(fixedNow)
	cookie := loginSessionCookie(t, s, store, "user-1")

	body, _ := json.Marshal(createAPIKeyRequest{Name: "bad-key", AccessLevel: "superuser"})
	req := httptest.NewRequest(http.MethodPost, "/v1/api-keys", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeAPIKey(t *testing.T) {
	s, store := newTestServer(fixedNow)
	cookie := loginSessionCookie(t, s, store, "user-1")

	body, _ := json.Marshal(createAPIKeyRequest{Name: "to-revoke"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/api-keys", bytes.NewReader(body))
	createReq.AddCookie(cookie)
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	var created apiKeyResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/api-keys/"+created.ID, nil)
	delReq.AddCookie(cookie)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/api-keys/"+created.ID, nil)
	getReq.AddCookie(cookie)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	var fetched apiKeyResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	assert.False(t, fetched.IsActive)
}

func TestRotateAPIKeyIssuesNewKeyAndInvalidatesOld(t *testing.T) {
	s, store := newTestServer(fixedNow)
	cookie := loginSessionCookie(t, s, store, "user-1")

	body, _ := json.Marshal(createAPIKeyRequest{Name: "rotating"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/api-keys", bytes.NewReader(body))
	createReq.AddCookie(cookie)
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	var created apiKeyResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	rotReq := httptest.NewRequest(http.MethodPost, "/v1/api-keys/"+created.ID+"/rotate", nil)
	rotReq.AddCookie(cookie)
	rotRec := httptest.NewRecorder()
	s.ServeHTTP(rotRec, rotReq)
	require.Equal(t, http.StatusOK, rotRec.Code)
	var rotated apiKeyResponse
	require.NoError(t, json.Unmarshal(rotRec.Body.Bytes(), &rotated))
	assert.NotEqual(t, created.Key, rotated.Key)

	// The old key value must no longer authenticate.
	verifyReq := httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
	verifyReq.Header.Set("Authorization", "Bearer "+created.Key)
	verifyRec := httptest.NewRecorder()
	s.ServeHTTP(verifyRec, verifyReq)
	var verified verifyResponse
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &verified))
	assert.False(t, verified.Active)

	verifyReq2 := httptest.NewRequest(http.MethodGet, "/v1/auth/verify", nil)
	verifyReq2.Header.Set("Authorization", "Bearer "+rotated.Key)
	verifyRec2 := httptest.NewRecorder()
	s.ServeHTTP(verifyRec2, verifyReq2)
	var verified2 verifyResponse
	require.NoError(t, json.Unmarshal(verifyRec2.Body.Bytes(), &verified2))
	assert.True(t, verified2.Active)
}

func TestSplitAPIKeyPrefix(t *testing.T) {
	prefix, rest, ok := splitAPIKeyPrefix("agw_abc123")
	require.True(t, ok)
	assert.Equal(t, CurrentAPIKeyPrefix, prefix)
	assert.Equal(t, "abc123", rest)

	prefix, rest, ok = splitAPIKeyPrefix("lano_legacy")
	require.True(t, ok)
	assert.Equal(t, "lano_", prefix)
	assert.Equal(t, "legacy", rest)

	_, _, ok = splitAPIKeyPrefix("sk_notanapikey")
	assert.False(t, ok)
}
