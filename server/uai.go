package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
	"github.com/thefixer3x/onasis-authgate/pkg/crypto"
	"github.com/thefixer3x/onasis-authgate/storage"
)

// AuthMethod identifies which credential family an identity was resolved
// from (spec §4.9).
type AuthMethod string

const (
	AuthMethodOAuthBearer   AuthMethod = "oauth_bearer"
	AuthMethodSessionCookie AuthMethod = "session_cookie"
	AuthMethodAPIKey        AuthMethod = "api_key"
	AuthMethodJWT           AuthMethod = "jwt"
)

// Identity is the canonical record every auth modality normalizes to.
type Identity struct {
	AuthID         string     `json:"auth_id"`
	Email          string     `json:"email,omitempty"`
	AccessLevel    string     `json:"access_level,omitempty"`
	Permissions    []string   `json:"permissions,omitempty"`
	AuthMethod     AuthMethod `json:"auth_method"`
	CredentialID   string     `json:"credential_id"`
	ResolvedAt     time.Time  `json:"resolved_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	FromCache      bool       `json:"from_cache"`
}

// apiKeyHashPrefixLen bounds how much of an API key's SHA-256 hash is
// embedded in its UAI cache key, so the cache key itself is never a
// reversal risk even if it leaked (spec §4.9 step 1: "never the raw key").
const apiKeyHashPrefixLen = 16

func uaiCacheKey(method AuthMethod, safeIdentifier string) string {
	return "uai:" + string(method) + ":" + safeIdentifier
}

// safeIdentifierForHash turns a full secret hash into the truncated,
// still-unguessable-in-practice identifier used in cache keys and logs.
func safeIdentifierForHash(hash string) string {
	if len(hash) <= apiKeyHashPrefixLen {
		return hash
	}
	return hash[:apiKeyHashPrefixLen]
}

// resolveIdentity implements spec §4.9's read-through resolution: cache
// hit returns (warming upper layers along the way, handled inside
// pkg/cache.Cache itself); miss falls through to the authoritative store
// per auth method and repopulates the cache.
//
// Concurrent callers presenting the same credential (e.g. a burst of
// requests through one gateway client, all bearing the same API key)
// are coalesced onto a single resolution via identityFlight, so a cache
// miss on a hot credential costs one storage round trip, not N.
func (s *Server) resolveIdentity(ctx context.Context, method AuthMethod, credential string) (Identity, *authgwerr.Error) {
	flightKey := string(method) + ":" + crypto.HashSecretHex(credential)
	v, err, _ := s.identityFlight.Do(flightKey, func() (interface{}, error) {
		id, aerr := s.resolveIdentityUncoalesced(ctx, method, credential)
		if aerr != nil {
			return nil, aerr
		}
		return id, nil
	})
	if err != nil {
		aerr, ok := err.(*authgwerr.Error)
		if !ok {
			return Identity{}, authgwerr.Wrap(authgwerr.KindService, err, "identity resolution failed")
		}
		return Identity{}, aerr
	}
	id := v.(Identity)
	// A resolution fanned-in from a concurrent caller is still a genuine
	// cache/store hit for this caller; FromCache only distinguishes cache
	// vs. store, which resolveIdentityUncoalesced already set correctly.
	return id, nil
}

func (s *Server) resolveIdentityUncoalesced(ctx context.Context, method AuthMethod, credential string) (Identity, *authgwerr.Error) {
	switch method {
	case AuthMethodOAuthBearer:
		return s.resolveFromTokenHash(ctx, method, crypto.HashSecretHex(credential))
	case AuthMethodSessionCookie:
		return s.resolveFromSessionHash(ctx, method, crypto.HashSecretHex(credential))
	case AuthMethodAPIKey:
		return s.resolveFromAPIKey(ctx, credential)
	case AuthMethodJWT:
		return s.resolveFromJWT(ctx, credential)
	default:
		return Identity{}, authgwerr.Validation("unsupported auth method")
	}
}

func (s *Server) cacheGetIdentity(ctx context.Context, key string) (Identity, bool) {
	if s.cache == nil {
		return Identity{}, false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return Identity{}, false
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false
	}
	if !s.now().Before(id.ExpiresAt) {
		return Identity{}, false
	}
	id.FromCache = true
	return id, true
}

func (s *Server) cacheSetIdentity(ctx context.Context, key string, id Identity) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, raw, s.uaiCacheTTL)
}

// invalidateIdentityCache drops a single credential's cached resolution;
// called on revoke/disable per spec §4.9's staleness contract.
func (s *Server) invalidateIdentityCache(ctx context.Context, method AuthMethod, safeIdentifier string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, uaiCacheKey(method, safeIdentifier))
}

func (s *Server) resolveFromTokenHash(ctx context.Context, method AuthMethod, tokenHash string) (Identity, *authgwerr.Error) {
	key := uaiCacheKey(method, safeIdentifierForHash(tokenHash))
	if id, ok := s.cacheGetIdentity(ctx, key); ok {
		return id, nil
	}
	tok, err := s.store.GetOAuthTokenByHash(ctx, tokenHash)
	if err != nil || !tok.Live(s.now()) {
		return Identity{}, authgwerr.Authentication("invalid or expired token")
	}
	user, uerr := s.getOrProvisionUserAccount(ctx, tok.UserID)
	if uerr != nil {
		return Identity{}, uerr
	}
	id := Identity{
		AuthID:       tok.UserID,
		Email:        user.Email,
		AuthMethod:   method,
		CredentialID: tok.ID,
		ResolvedAt:   s.now(),
		ExpiresAt:    s.now().Add(s.uaiCacheTTL),
	}
	s.cacheSetIdentity(ctx, key, id)
	return id, nil
}

func (s *Server) resolveFromSessionHash(ctx context.Context, method AuthMethod, tokenHash string) (Identity, *authgwerr.Error) {
	key := uaiCacheKey(method, safeIdentifierForHash(tokenHash))
	if id, ok := s.cacheGetIdentity(ctx, key); ok {
		return id, nil
	}
	sess, err := s.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil || sess.Expired(s.now()) {
		return Identity{}, authgwerr.Authentication("invalid or expired session")
	}
	user, uerr := s.getOrProvisionUserAccount(ctx, sess.UserID)
	if uerr != nil {
		return Identity{}, uerr
	}
	id := Identity{
		AuthID:       sess.UserID,
		Email:        user.Email,
		AuthMethod:   method,
		CredentialID: sess.ID,
		ResolvedAt:   s.now(),
		ExpiresAt:    s.now().Add(s.uaiCacheTTL),
	}
	s.cacheSetIdentity(ctx, key, id)
	return id, nil
}

// resolveFromJWT verifies an externally-issued JWT against the configured
// JWKS (spec §4.9's auth_method=jwt path) rather than trusting any claim
// it carries unverified, then resolves its subject through the same
// getOrProvisionUserAccount path every other credential uses. The cache
// key is keyed on a hash of the raw token, since a third-party JWT has no
// stable identifier of its own the way a stored token/session/api-key row
// does.
func (s *Server) resolveFromJWT(ctx context.Context, raw string) (Identity, *authgwerr.Error) {
	if s.jwks == nil {
		return Identity{}, authgwerr.Validation("jwt auth method is not configured")
	}

	key := uaiCacheKey(AuthMethodJWT, safeIdentifierForHash(crypto.HashSecretHex(raw)))
	if id, ok := s.cacheGetIdentity(ctx, key); ok {
		return id, nil
	}

	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return Identity{}, authgwerr.Authentication("malformed jwt")
	}

	var claims jwt.Claims
	verified := false
	for _, k := range s.jwks.Keys {
		if cerr := tok.Claims(k.Key, &claims); cerr == nil {
			verified = true
			break
		}
	}
	if !verified {
		return Identity{}, authgwerr.Authentication("jwt signature verification failed")
	}

	expected := jwt.Expected{Time: s.now()}
	if s.jwtIssuer != "" {
		expected.Issuer = s.jwtIssuer
	}
	if s.jwtAudience != "" {
		expected.Audience = jwt.Audience{s.jwtAudience}
	}
	if err := claims.Validate(expected); err != nil {
		return Identity{}, authgwerr.Authentication("jwt claims rejected")
	}
	if claims.Subject == "" {
		return Identity{}, authgwerr.Authentication("jwt has no subject")
	}

	user, uerr := s.getOrProvisionUserAccount(ctx, claims.Subject)
	if uerr != nil {
		return Identity{}, uerr
	}
	id := Identity{
		AuthID:       claims.Subject,
		Email:        user.Email,
		AuthMethod:   AuthMethodJWT,
		CredentialID: claims.ID,
		ResolvedAt:   s.now(),
		ExpiresAt:    s.now().Add(s.uaiCacheTTL),
	}
	s.cacheSetIdentity(ctx, key, id)
	return id, nil
}

// getOrProvisionUserAccount implements spec §4.9 step 4: if the subject
// behind a validated credential has no local UserAccount projection yet,
// upsert a minimal one and emit UserUpserted, rather than treating "no
// local record" as a reason to reject an otherwise-valid credential.
func (s *Server) getOrProvisionUserAccount(ctx context.Context, userID string) (storage.UserAccount, *authgwerr.Error) {
	user, err := s.store.GetUserAccount(ctx, userID)
	if err == nil {
		return user, nil
	}
	if err != storage.ErrNotFound {
		return storage.UserAccount{}, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not load user account")
	}

	now := s.now()
	user = storage.UserAccount{UserID: userID, CreatedAt: now, LastSignInAt: now, UpdatedAt: now}
	txErr := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.UpsertUserAccount(ctx, user); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateUser, userID, "UserUpserted", map[string]any{
			"user_id": userID,
		}, now)
	})
	if txErr != nil {
		return storage.UserAccount{}, authgwerr.Wrap(authgwerr.KindPersistence, txErr, "could not provision user account")
	}
	return user, nil
}

func (s *Server) resolveFromAPIKey(ctx context.Context, presented string) (Identity, *authgwerr.Error) {
	prefix, bare, ok := splitAPIKeyPrefix(presented)
	if !ok {
		return Identity{}, authgwerr.Authentication("malformed api key")
	}
	if prefix != CurrentAPIKeyPrefix {
		s.logger.WithField("prefix", prefix).Warn("server: api key presented with legacy prefix")
	}
	hash := crypto.HashSecretHex(bare)
	key := uaiCacheKey(AuthMethodAPIKey, safeIdentifierForHash(hash))
	if id, ok := s.cacheGetIdentity(ctx, key); ok {
		return id, nil
	}

	apiKey, err := s.store.GetApiKeyByHash(ctx, hash)
	if err != nil {
		return Identity{}, authgwerr.Authentication("unknown api key")
	}
	if !apiKey.IsActive || apiKey.Expired(s.now()) {
		return Identity{}, authgwerr.Authentication("api key is inactive or expired")
	}
	go s.touchAPIKeyLastUsed(apiKey.ID)

	id := Identity{
		AuthID:       apiKey.UserID,
		AccessLevel:  string(apiKey.AccessLevel),
		Permissions:  apiKey.Permissions,
		AuthMethod:   AuthMethodAPIKey,
		CredentialID: apiKey.ID,
		ResolvedAt:   s.now(),
		ExpiresAt:    s.now().Add(s.uaiCacheTTL),
	}
	s.cacheSetIdentity(ctx, key, id)
	return id, nil
}

// touchAPIKeyLastUsed updates last_used_at off the hot validation path
// (spec §4.7: "asynchronously update last_used_at"), detached from the
// request's context since it must complete even if the caller has moved on.
func (s *Server) touchAPIKeyLastUsed(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.TouchApiKeyLastUsed(ctx, id, time.Now()); err != nil {
		s.logger.WithError(err).Warn("server: could not touch api key last_used_at")
	}
}

// handleVerify is the UAI convenience endpoint (spec §4.9): accepts any
// of the supported credential shapes and returns the resolved identity,
// mirroring handleIntrospect's shape but across all auth methods instead
// of OAuth tokens alone.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, rateLimitVerify, RemoteIPFromContext(r.Context())) {
		return
	}
	method, credential, ok := s.credentialFromRequest(r)
	if !ok {
		writeJSONBody(w, http.StatusOK, verifyResponse{Active: false})
		return
	}
	id, err := s.resolveIdentity(r.Context(), method, credential)
	if err != nil {
		writeJSONBody(w, http.StatusOK, verifyResponse{Active: false})
		return
	}
	writeJSONBody(w, http.StatusOK, verifyResponse{
		Active:      true,
		AuthID:      id.AuthID,
		Email:       id.Email,
		AccessLevel: id.AccessLevel,
		AuthMethod:  id.AuthMethod,
		FromCache:   id.FromCache,
	})
}

type verifyResponse struct {
	Active      bool       `json:"active"`
	AuthID      string     `json:"auth_id,omitempty"`
	Email       string     `json:"email,omitempty"`
	AccessLevel string     `json:"access_level,omitempty"`
	AuthMethod  AuthMethod `json:"auth_method,omitempty"`
	FromCache   bool       `json:"from_cache"`
}

// credentialFromRequest extracts a bearer credential and guesses its
// method: an Authorization: Bearer value prefixed with the current/legacy
// API key prefixes is treated as an api key, a three-segment compact JWT
// is treated as an externally-issued JWT (only when jwt verification is
// configured), any other bearer value as an OAuth access token, and the
// session cookie is used as a last resort.
func (s *Server) credentialFromRequest(r *http.Request) (AuthMethod, string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tok := strings.TrimPrefix(auth, "Bearer ")
		switch {
		case looksLikeAPIKey(tok):
			return AuthMethodAPIKey, tok, true
		case s.jwks != nil && looksLikeJWT(tok):
			return AuthMethodJWT, tok, true
		default:
			return AuthMethodOAuthBearer, tok, true
		}
	}
	if token, ok := s.sessionTokenFromCookie(r); ok {
		return AuthMethodSessionCookie, token, true
	}
	return "", "", false
}

func looksLikeAPIKey(tok string) bool {
	prefix, _, ok := splitAPIKeyPrefix(tok)
	return ok && prefix != ""
}

// looksLikeJWT is a cheap shape check (compact JWT serialization is
// exactly three dot-separated segments); the actual signature/claims
// verification happens in resolveFromJWT.
func looksLikeJWT(tok string) bool {
	return strings.Count(tok, ".") == 2
}
