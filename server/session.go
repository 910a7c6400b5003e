package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
	"github.com/thefixer3x/onasis-authgate/pkg/crypto"
	"github.com/thefixer3x/onasis-authgate/storage"
)

const sessionCookieName = "authgate_session"

// sessionTTLByPlatform mirrors the per-platform defaults a real deployment
// would tune: browser sessions are short and renewed by normal browsing,
// while CLI/MCP sessions (no interactive renewal path) get a longer life.
var sessionTTLByPlatform = map[storage.Platform]time.Duration{
	storage.PlatformWeb: 24 * time.Hour,
	storage.PlatformMCP: 30 * 24 * time.Hour,
	storage.PlatformCLI: 30 * 24 * time.Hour,
	storage.PlatformAPI: 24 * time.Hour,
}

func sessionTTLForPlatform(p storage.Platform) time.Duration {
	if d, ok := sessionTTLByPlatform[p]; ok {
		return d
	}
	return 24 * time.Hour
}

type loginRequest struct {
	UserID   string            `json:"user_id"`
	Platform string            `json:"platform"`
	ClientID string            `json:"client_id,omitempty"`
	Scope    []string          `json:"scope,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type loginResponse struct {
	SessionToken string    `json:"session_token"`
	UserID       string    `json:"user_id"`
	Platform     string    `json:"platform"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// handleLogin establishes a first-party session (spec §4.6): a session
// token is minted, its hash persisted, and the plaintext handed back both
// as a Set-Cookie and in the JSON body — the body form is what non-browser
// platforms (CLI, MCP) that can't rely on a cookie jar actually use.
//
// Verifying req.UserID against an upstream identity provider is outside
// this gateway's scope (spec §1's "explicit non-goals"): handleLogin
// trusts that whatever calls it has already authenticated the subject and
// is only asking the gateway to mint the resulting session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, rateLimitLogin, RemoteIPFromContext(r.Context())) {
		return
	}
	ctx := r.Context()
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSONError(w, authgwerr.Validation("user_id is required"))
		return
	}
	platform := storage.Platform(req.Platform)
	if platform == "" {
		platform = storage.PlatformWeb
	}

	token, genErr := crypto.NewOpaqueToken(crypto.AccessTokenEntropyBytes)
	if genErr != nil {
		writeJSONError(w, authgwerr.Wrap(authgwerr.KindService, genErr, "could not generate session token"))
		return
	}
	now := s.now()
	sess := storage.Session{
		ID:         storage.NewID(),
		UserID:     req.UserID,
		Platform:   platform,
		TokenHash:  crypto.HashSecretHex(token),
		ClientID:   req.ClientID,
		Scope:      req.Scope,
		IPAddress:  RemoteIPFromContext(ctx),
		UserAgent:  r.UserAgent(),
		Metadata:   req.Metadata,
		ExpiresAt:  now.Add(sessionTTLForPlatform(platform)),
		LastUsedAt: now,
		CreatedAt:  now,
	}

	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateSession, sess.ID, "SessionCreated", map[string]any{
			"user_id":  sess.UserID,
			"platform": string(sess.Platform),
		}, now)
	})
	var aerr *authgwerr.Error
	if err != nil {
		aerr = authgwerr.Wrap(authgwerr.KindPersistence, err, "could not create session")
	}
	s.auditLog(ctx, "session.login", req.UserID, aerr)
	if err != nil {
		writeJSONError(w, aerr)
		return
	}

	http.SetCookie(w, s.sessionCookie(token, sess.ExpiresAt))
	writeJSONBody(w, http.StatusOK, loginResponse{
		SessionToken: token,
		UserID:       sess.UserID,
		Platform:     string(sess.Platform),
		ExpiresAt:    sess.ExpiresAt,
	})
}

// handleLogout revokes the caller's session, by cookie or by an explicit
// Authorization: Bearer session token (spec §4.6's "revoke by token
// value"), and always clears the cookie regardless of whether a session
// was found.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer http.SetCookie(w, s.clearedSessionCookie())

	token, ok := s.sessionTokenFromRequest(r)
	if !ok {
		writeJSONBody(w, http.StatusOK, struct{}{})
		return
	}
	tokenHash := crypto.HashSecretHex(token)
	sess, err := s.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		writeJSONBody(w, http.StatusOK, struct{}{})
		return
	}

	now := s.now()
	err = s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateSession, sess.ID, "SessionRevoked", map[string]any{
			"user_id": sess.UserID,
		}, now)
	})
	s.auditLog(ctx, "session.logout", sess.UserID, asAuthErr(err))
	if err != nil {
		s.logger.WithError(err).Warn("server: session revoke failed")
	}
	s.invalidateIdentityCache(ctx, AuthMethodSessionCookie, safeIdentifierForHash(tokenHash))
	writeJSONBody(w, http.StatusOK, struct{}{})
}

type sessionInfoResponse struct {
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// handleSessionInfo returns the caller's current session metadata and
// touches last_used_at (spec §4.6's "touch" operation: non-transactional,
// best-effort).
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := s.sessionTokenFromRequest(r)
	if !ok {
		writeJSONError(w, authgwerr.Authentication("no session presented"))
		return
	}
	sess, err := s.store.GetSessionByTokenHash(ctx, crypto.HashSecretHex(token))
	if err != nil || sess.Expired(s.now()) {
		writeJSONError(w, authgwerr.Authentication("invalid or expired session"))
		return
	}
	now := s.now()
	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		s.logger.WithError(err).Warn("server: could not touch session")
	}
	writeJSONBody(w, http.StatusOK, sessionInfoResponse{
		UserID:     sess.UserID,
		Platform:   string(sess.Platform),
		ExpiresAt:  sess.ExpiresAt,
		LastUsedAt: now,
	})
}

// sessionCookie signs (and, if a block key is configured, encrypts) token
// via securecookie before it ever reaches the browser, so a tampered or
// forged cookie value fails to decode rather than being looked up as if
// it were a real session token hash.
func (s *Server) sessionCookie(token string, expiresAt time.Time) *http.Cookie {
	value := token
	if encoded, err := s.secureCookie.Encode(sessionCookieName, token); err == nil {
		value = encoded
	} else {
		s.logger.WithError(err).Error("server: could not sign session cookie, falling back to a raw value")
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Domain:   s.cookieDomain,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// sessionTokenFromCookie decodes a session cookie's value back into the
// opaque token it was minted with, rejecting anything that fails the
// securecookie signature/expiry check.
func (s *Server) sessionTokenFromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	var token string
	if err := s.secureCookie.Decode(sessionCookieName, c.Value, &token); err != nil {
		return "", false
	}
	return token, true
}

func (s *Server) clearedSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Domain:   s.cookieDomain,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// sessionTokenFromRequest prefers an explicit bearer token (non-browser
// platforms) and falls back to the session cookie, decoding its signed
// value back into the underlying opaque token.
func (s *Server) sessionTokenFromRequest(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	return s.sessionTokenFromCookie(r)
}

// sessionFromCookie resolves the authenticated user behind the request's
// session cookie, used by /oauth/authorize to identify who is granting
// consent.
func (s *Server) sessionFromCookie(r *http.Request) (storage.Session, *authgwerr.Error) {
	token, ok := s.sessionTokenFromCookie(r)
	if !ok {
		return storage.Session{}, authgwerr.Authentication("no session cookie presented")
	}
	sess, serr := s.store.GetSessionByTokenHash(r.Context(), crypto.HashSecretHex(token))
	if serr != nil || sess.Expired(s.now()) {
		return storage.Session{}, authgwerr.Authentication("invalid or expired session")
	}
	return sess, nil
}

// auditLog records a non-OAuth AuditLog row (spec §4.10) — session and
// api-key lifecycle events, as opposed to auditOAuth's OAuth-specific rows.
// Like auditOAuth, it runs in its own committed transaction so the entry
// survives a rolled-back caller transaction, but still reaches the event
// log and outbox through appendAndEnqueue rather than bypassing them.
func (s *Server) auditLog(ctx context.Context, eventType, userID string, aerr *authgwerr.Error) {
	entry := storage.AuditLog{
		ID:        storage.NewID(),
		EventType: eventType,
		Success:   aerr == nil,
		IPAddress: RemoteIPFromContext(ctx),
		UserID:    userID,
		CreatedAt: s.now(),
	}
	if aerr != nil {
		entry.ErrorCode = aerr.Code
		entry.ErrorDescription = aerr.Message
	}
	now := entry.CreatedAt
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.AppendAuditLog(ctx, entry); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateAudit, entry.ID, "AuditLogged", map[string]any{
			"event_type": entry.EventType,
			"user_id":    entry.UserID,
			"success":    entry.Success,
		}, now)
	})
	if err != nil {
		s.logger.WithError(err).Warn("server: could not append audit log")
	}
}
