package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
	"github.com/thefixer3x/onasis-authgate/pkg/crypto"
	"github.com/thefixer3x/onasis-authgate/storage"
)

// CurrentAPIKeyPrefix is the prefix minted on every new key. LegacyAPIKeyPrefixes
// are accepted on read paths for a migration window (spec §4.7); a key
// presented with one of them is still validated but logged as deprecated
// so operators can track migration progress.
const CurrentAPIKeyPrefix = "agw_"

var LegacyAPIKeyPrefixes = []string{"authgw_", "lano_"}

const maxAPIKeyExpiryDays = 3650

// splitAPIKeyPrefix reports the prefix a presented key starts with (current
// or legacy) and the remainder after it. ok is false if no known prefix
// matches, meaning the caller should try a different auth method.
func splitAPIKeyPrefix(presented string) (prefix, rest string, ok bool) {
	if strings.HasPrefix(presented, CurrentAPIKeyPrefix) {
		return CurrentAPIKeyPrefix, strings.TrimPrefix(presented, CurrentAPIKeyPrefix), true
	}
	for _, p := range LegacyAPIKeyPrefixes {
		if strings.HasPrefix(presented, p) {
			return p, strings.TrimPrefix(presented, p), true
		}
	}
	return "", "", false
}

type apiKeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	AccessLevel string     `json:"access_level"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	Key         string     `json:"key,omitempty"` // only populated on create/rotate
}

func apiKeyToResponse(k storage.ApiKey) apiKeyResponse {
	return apiKeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		AccessLevel: string(k.AccessLevel),
		Permissions: k.Permissions,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		IsActive:    k.IsActive,
		CreatedAt:   k.CreatedAt,
	}
}

type createAPIKeyRequest struct {
	Name          string   `json:"name"`
	AccessLevel   string   `json:"access_level"`
	Permissions   []string `json:"permissions"`
	ExpiresInDays *int     `json:"expires_in_days"`
}

// handleAPIKeysCollection dispatches GET (list the caller's keys) and POST
// (mint a new one) on /v1/api-keys.
func (s *Server) handleAPIKeysCollection(w http.ResponseWriter, r *http.Request) {
	identity, aerr := s.requireIdentity(r)
	if aerr != nil {
		writeJSONError(w, aerr)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listAPIKeys(w, r, identity)
	case http.MethodPost:
		s.createAPIKey(w, r, identity)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request, identity Identity) {
	keys, err := s.store.ListApiKeysByUser(r.Context(), identity.AuthID)
	if err != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not list api keys"))
		return
	}
	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyToResponse(k))
	}
	writeJSONBody(w, http.StatusOK, out)
}

func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request, identity Identity) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, authgwerr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, authgwerr.Validation("name is required"))
		return
	}
	accessLevel := storage.AccessLevel(req.AccessLevel)
	if accessLevel == "" {
		accessLevel = storage.AccessLevelAuthenticated
	}
	if !validAccessLevel(accessLevel) {
		writeJSONError(w, authgwerr.Validation("invalid access_level"))
		return
	}
	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays <= 0 || *req.ExpiresInDays > maxAPIKeyExpiryDays {
			writeJSONError(w, authgwerr.Validation("expires_in_days must be between 1 and 3650"))
			return
		}
		t := s.now().AddDate(0, 0, *req.ExpiresInDays)
		expiresAt = &t
	}

	existing, err := s.store.ListApiKeysByUser(r.Context(), identity.AuthID)
	if err != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not check existing api keys"))
		return
	}
	for _, k := range existing {
		if k.IsActive && k.Name == req.Name {
			writeJSONError(w, authgwerr.Conflict("an active api key with this name already exists"))
			return
		}
	}

	plain, genErr := crypto.NewOpaqueToken(crypto.APIKeyEntropyBytes)
	if genErr != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindService, genErr, "could not generate api key"))
		return
	}
	full := CurrentAPIKeyPrefix + plain
	now := s.now()
	key := storage.ApiKey{
		ID:          storage.NewID(),
		Name:        req.Name,
		KeyHash:     crypto.HashSecretHex(plain),
		UserID:      identity.AuthID,
		AccessLevel: accessLevel,
		Permissions: req.Permissions,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.Transact(r.Context(), func(ctx context.Context, tx storage.Storage) error {
		if err := tx.CreateApiKey(ctx, key); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateAPIKey, key.ID, "ApiKeyCreated", map[string]any{
			"user_id": identity.AuthID,
			"name":    key.Name,
		}, now)
	})
	if err != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not create api key"))
		return
	}

	resp := apiKeyToResponse(key)
	resp.Key = full
	writeJSONBody(w, http.StatusCreated, resp)
}

// handleAPIKeyResource dispatches GET/DELETE on /v1/api-keys/{id}.
func (s *Server) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	identity, aerr := s.requireIdentity(r)
	if aerr != nil {
		writeJSONError(w, aerr)
		return
	}
	id := mux.Vars(r)["id"]

	key, err := s.store.GetApiKey(r.Context(), id)
	if err != nil || key.UserID != identity.AuthID {
		writeJSONError(w, authgwerr.NotFound("api key not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSONBody(w, http.StatusOK, apiKeyToResponse(key))
	case http.MethodDelete:
		s.revokeAPIKey(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// revokeAPIKey soft-revokes by default (is_active=false); a hard delete is
// a last resort (spec §4.7 allows either) and is not exposed over HTTP
// here since nothing in the gateway's own surface needs to forget a key's
// existence outright.
func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request, key storage.ApiKey) {
	now := s.now()
	err := s.store.Transact(r.Context(), func(ctx context.Context, tx storage.Storage) error {
		if err := tx.UpdateApiKey(ctx, key.ID, func(k storage.ApiKey) (storage.ApiKey, error) {
			k.IsActive = false
			k.UpdatedAt = now
			return k, nil
		}); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateAPIKey, key.ID, "ApiKeyRevoked", map[string]any{
			"user_id": key.UserID,
		}, now)
	})
	if err != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not revoke api key"))
		return
	}
	s.invalidateIdentityCache(r.Context(), AuthMethodAPIKey, safeIdentifierForHash(key.KeyHash))
	writeJSONBody(w, http.StatusOK, struct{}{})
}

// handleAPIKeyRotate issues a new value/hash for an existing key id,
// returning the new plain value exactly once (spec §4.7). The previous
// value becomes unusable immediately since its hash is overwritten.
func (s *Server) handleAPIKeyRotate(w http.ResponseWriter, r *http.Request) {
	identity, aerr := s.requireIdentity(r)
	if aerr != nil {
		writeJSONError(w, aerr)
		return
	}
	id := mux.Vars(r)["id"]

	key, err := s.store.GetApiKey(r.Context(), id)
	if err != nil || key.UserID != identity.AuthID {
		writeJSONError(w, authgwerr.NotFound("api key not found"))
		return
	}

	plain, genErr := crypto.NewOpaqueToken(crypto.APIKeyEntropyBytes)
	if genErr != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindService, genErr, "could not generate api key"))
		return
	}
	newHash := crypto.HashSecretHex(plain)
	now := s.now()
	oldHash := key.KeyHash

	err = s.store.Transact(r.Context(), func(ctx context.Context, tx storage.Storage) error {
		if err := tx.UpdateApiKey(ctx, key.ID, func(k storage.ApiKey) (storage.ApiKey, error) {
			k.KeyHash = newHash
			k.UpdatedAt = now
			return k, nil
		}); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateAPIKey, key.ID, "ApiKeyRotated", map[string]any{
			"user_id": key.UserID,
		}, now)
	})
	if err != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not rotate api key"))
		return
	}
	s.invalidateIdentityCache(r.Context(), AuthMethodAPIKey, safeIdentifierForHash(oldHash))

	key.KeyHash = newHash
	key.UpdatedAt = now
	resp := apiKeyToResponse(key)
	resp.Key = CurrentAPIKeyPrefix + plain
	writeJSONBody(w, http.StatusOK, resp)
}

func validAccessLevel(a storage.AccessLevel) bool {
	switch a {
	case storage.AccessLevelPublic, storage.AccessLevelAuthenticated, storage.AccessLevelTeam,
		storage.AccessLevelAdmin, storage.AccessLevelEnterprise:
		return true
	default:
		return false
	}
}

// requireIdentity resolves the caller's identity from the incoming
// request (bearer token, api key, or session cookie) or returns an
// authentication error.
func (s *Server) requireIdentity(r *http.Request) (Identity, *authgwerr.Error) {
	method, credential, ok := s.credentialFromRequest(r)
	if !ok {
		return Identity{}, authgwerr.Authentication("no credential presented")
	}
	return s.resolveIdentity(r.Context(), method, credential)
}
