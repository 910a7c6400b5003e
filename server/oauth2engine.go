package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thefixer3x/onasis-authgate/pkg/authgwerr"
	"github.com/thefixer3x/onasis-authgate/pkg/crypto"
	"github.com/thefixer3x/onasis-authgate/storage"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// --- /oauth/authorize ---

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, rateLimitAuthorize, RemoteIPFromContext(r.Context())) {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	state := q.Get("state")

	redirectURI := q.Get("redirect_uri")
	clientID := q.Get("client_id")

	client, cerr := s.getOAuthClient(ctx, clientID)
	if cerr != nil {
		// Client itself couldn't be resolved: we cannot trust redirect_uri
		// belongs to them, so render an error page rather than redirect.
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	if !client.AllowsRedirectURI(redirectURI) {
		http.Error(w, "invalid_request: redirect_uri not allowed for this client", http.StatusBadRequest)
		return
	}
	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request: malformed redirect_uri", http.StatusBadRequest)
		return
	}

	respond := func(aerr *authgwerr.Error) {
		redirectWithOAuthError(w, r, *redirectURL, aerr, state)
	}

	if q.Get("response_type") != "code" {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthUnsupportedGrantType, "only response_type=code is supported"))
		return
	}
	if !client.Active() {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthUnauthorizedClient, "client is disabled"))
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if client.RequirePKCE && challenge == "" {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthInvalidRequest, "code_challenge is required"))
		return
	}
	if challenge != "" && !client.AllowsCodeChallengeMethod(method) {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthInvalidRequest, "unsupported code_challenge_method"))
		return
	}

	scope, serr := resolveScope(splitScope(q.Get("scope")), client.AllowedScopes, client.DefaultScopes)
	if serr != nil {
		respond(serr)
		return
	}

	session, serr2 := s.sessionFromCookie(r)
	if serr2 != nil {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthAccessDenied, "authentication required"))
		return
	}

	code, err := crypto.NewOpaqueToken(crypto.AuthCodeEntropyBytes)
	if err != nil {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthAccessDenied, "internal error"))
		return
	}
	codeHash := crypto.HashSecretHex(code)
	now := s.now()

	err = s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.CreateAuthorizationCode(ctx, storage.AuthorizationCode{
			CodeHash:            codeHash,
			ClientID:            client.ClientID,
			UserID:              session.UserID,
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
			RedirectURI:         redirectURI,
			Scope:               scope,
			State:               state,
			ExpiresAt:           now.Add(s.authCodeTTL),
			IPAddress:           RemoteIPFromContext(ctx),
			UserAgent:           r.UserAgent(),
			CreatedAt:           now,
		}); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateClient, client.ClientID, "AuthCodeIssued", map[string]any{
			"client_id": client.ClientID,
			"user_id":   session.UserID,
			"scope":     scope,
		}, now)
	})
	if err != nil {
		respond(authgwerr.OAuthProtocol(authgwerr.OAuthAccessDenied, "could not issue authorization code"))
		return
	}

	q2 := redirectURL.Query()
	q2.Set("code", code)
	if state != "" {
		q2.Set("state", state)
	}
	redirectURL.RawQuery = q2.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// --- /oauth/token ---

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, authgwerr.OAuthProtocol(authgwerr.OAuthInvalidRequest, "could not parse request"))
		return
	}
	if !s.allowRate(w, r, rateLimitToken, rateLimitKeyOr(r, r.PostFormValue("client_id"))) {
		return
	}
	ctx := r.Context()
	switch r.PostFormValue("grant_type") {
	case grantTypeAuthorizationCode:
		s.handleAuthCodeGrant(ctx, w, r)
	case grantTypeRefreshToken:
		s.handleRefreshGrant(ctx, w, r)
	default:
		writeJSONError(w, authgwerr.OAuthProtocol(authgwerr.OAuthUnsupportedGrantType, ""))
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

func (s *Server) handleAuthCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	redirectURI := r.PostFormValue("redirect_uri")
	clientID := r.PostFormValue("client_id")
	now := s.now()

	codeHash := crypto.HashSecretHex(code)

	var resp tokenResponse
	var replayed *storage.AuthorizationCode
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		ac, err := tx.ConsumeAuthorizationCode(ctx, codeHash, now)
		if err != nil {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "unknown or expired code")
		}
		if ac.Consumed {
			// Replay of an already-consumed code (spec §4.5/§8). Recorded
			// via a separate transaction below: this one is about to
			// return an error and roll back, which would silently
			// discard the audit event along with it.
			replayed = &ac
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "authorization code already used")
		}
		if ac.Expired(now) {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "authorization code expired")
		}
		if ac.ClientID != clientID {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidClient, "client mismatch")
		}
		if ac.RedirectURI != redirectURI {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "redirect_uri mismatch")
		}
		method := crypto.CodeChallengeMethod(ac.CodeChallengeMethod)
		if !crypto.VerifyPKCE(verifier, ac.CodeChallenge, method) {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "PKCE verification failed")
		}

		refresh, access, terr := s.issueTokenPair(ctx, tx, ac.ClientID, ac.UserID, ac.Scope, "", now)
		if terr != nil {
			return terr
		}
		resp = tokenResponse{
			AccessToken:  access.plain,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
			RefreshToken: refresh.plain,
			Scope:        strings.Join(ac.Scope, " "),
		}
		return nil
	})
	if replayed != nil {
		s.recordAuthorizationCodeReplay(ctx, *replayed, now)
	}
	s.auditOAuth(ctx, "token_grant.authorization_code", clientID, asAuthErr(err))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSONBody(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	presented := r.PostFormValue("refresh_token")
	clientID := r.PostFormValue("client_id")
	requestedScope := splitScope(r.PostFormValue("scope"))
	now := s.now()

	tokenHash := crypto.HashSecretHex(presented)

	var resp tokenResponse
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		refresh, err := tx.GetOAuthTokenByHash(ctx, tokenHash)
		if err != nil {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "unknown refresh token")
		}
		if refresh.ClientID != clientID {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidClient, "client mismatch")
		}
		if refresh.TokenType != storage.TokenTypeRefresh {
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "not a refresh token")
		}
		if !now.Before(refresh.ExpiresAt) {
			if err := s.revokeSubtree(ctx, tx, refresh.ID, storage.RevokedReasonExpired, now); err != nil {
				return authgwerr.Wrap(authgwerr.KindPersistence, err, "could not revoke expired token chain")
			}
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "refresh token expired")
		}
		if refresh.Revoked {
			// Reuse of an already-rotated (or otherwise revoked) refresh
			// token: defend against replay by revoking whatever remains
			// of its chain, even though it's already gone.
			if err := s.revokeSubtree(ctx, tx, refresh.ID, storage.RevokedReasonRevoked, now); err != nil {
				return authgwerr.Wrap(authgwerr.KindPersistence, err, "could not revoke reused token chain")
			}
			return authgwerr.OAuthProtocol(authgwerr.OAuthInvalidGrant, "refresh token already used")
		}

		scope, serr := narrowScope(requestedScope, refresh.Scope)
		if serr != nil {
			return serr
		}

		if err := tx.RevokeOAuthToken(ctx, refresh.ID, storage.RevokedReasonRotated, now); err != nil {
			return authgwerr.Wrap(authgwerr.KindPersistence, err, "could not revoke previous refresh token")
		}
		if err := s.revokeLiveChildren(ctx, tx, refresh.ID, storage.RevokedReasonAncestorRotated, now); err != nil {
			return authgwerr.Wrap(authgwerr.KindPersistence, err, "could not revoke descendant tokens")
		}

		newRefresh, access, terr := s.issueTokenPair(ctx, tx, refresh.ClientID, refresh.UserID, scope, refresh.ID, now)
		if terr != nil {
			return terr
		}
		resp = tokenResponse{
			AccessToken:  access.plain,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
			RefreshToken: newRefresh.plain,
			Scope:        strings.Join(scope, " "),
		}
		return nil
	})
	s.auditOAuth(ctx, "token_grant.refresh_token", clientID, asAuthErr(err))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSONBody(w, http.StatusOK, resp)
}

// --- /oauth/revoke ---

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONBody(w, http.StatusOK, struct{}{})
		return
	}
	ctx := r.Context()
	presented := r.PostFormValue("token")
	tokenHash := crypto.HashSecretHex(presented)
	now := s.now()

	// Always 200, even on an unknown token, per revocation privacy norms
	// (spec §4.5); any real error is logged and swallowed from the
	// caller's perspective.
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		tok, err := tx.GetOAuthTokenByHash(ctx, tokenHash)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		}
		if tok.Revoked {
			return nil
		}
		if tok.TokenType == storage.TokenTypeRefresh {
			return s.revokeSubtree(ctx, tx, tok.ID, storage.RevokedReasonRevoked, now)
		}
		return tx.RevokeOAuthToken(ctx, tok.ID, storage.RevokedReasonRevoked, now)
	})
	if err != nil {
		s.logger.WithError(err).Warn("server: revoke failed")
	}
	s.auditOAuth(ctx, "token_revoke", r.PostFormValue("client_id"), asAuthErr(err))
	writeJSONBody(w, http.StatusOK, struct{}{})
}

// --- /oauth/introspect ---

type introspectResponse struct {
	Active   bool   `json:"active"`
	ClientID string `json:"client_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONBody(w, http.StatusOK, introspectResponse{Active: false})
		return
	}
	tok, err := s.store.GetOAuthTokenByHash(r.Context(), crypto.HashSecretHex(r.PostFormValue("token")))
	if err != nil || !tok.Live(s.now()) {
		writeJSONBody(w, http.StatusOK, introspectResponse{Active: false})
		return
	}
	writeJSONBody(w, http.StatusOK, introspectResponse{
		Active:    true,
		ClientID:  tok.ClientID,
		UserID:    tok.UserID,
		Scope:     strings.Join(tok.Scope, " "),
		TokenType: string(tok.TokenType),
		Exp:       tok.ExpiresAt.Unix(),
		Iat:       tok.CreatedAt.Unix(),
	})
}

// --- shared engine helpers ---

type issuedToken struct {
	storage.OAuthToken
	plain string
}

// issueTokenPair mints a refresh token (parentID is that refresh's own
// predecessor, empty for a brand new grant) and an access token whose
// ParentTokenID points at the new refresh, inside the caller's
// transaction. One TokenIssued event, keyed on the refresh token, is
// appended to the event log for the pair.
func (s *Server) issueTokenPair(ctx context.Context, tx storage.Storage, clientID, userID string, scope []string, parentID string, now time.Time) (refresh, access issuedToken, err *authgwerr.Error) {
	refreshPlain, genErr := crypto.NewOpaqueToken(crypto.RefreshTokenEntropyBytes)
	if genErr != nil {
		return refresh, access, authgwerr.Wrap(authgwerr.KindService, genErr, "could not generate refresh token")
	}
	accessPlain, genErr := crypto.NewOpaqueToken(crypto.AccessTokenEntropyBytes)
	if genErr != nil {
		return refresh, access, authgwerr.Wrap(authgwerr.KindService, genErr, "could not generate access token")
	}

	refresh.OAuthToken = storage.OAuthToken{
		ID:            storage.NewID(),
		TokenHash:     crypto.HashSecretHex(refreshPlain),
		TokenType:     storage.TokenTypeRefresh,
		ClientID:      clientID,
		UserID:        userID,
		Scope:         scope,
		ExpiresAt:     now.Add(s.refreshTokenTTL),
		ParentTokenID: parentID,
		CreatedAt:     now,
	}
	refresh.plain = refreshPlain
	if e := tx.CreateOAuthToken(ctx, refresh.OAuthToken); e != nil {
		return refresh, access, authgwerr.Wrap(authgwerr.KindPersistence, e, "could not store refresh token")
	}

	access.OAuthToken = storage.OAuthToken{
		ID:            storage.NewID(),
		TokenHash:     crypto.HashSecretHex(accessPlain),
		TokenType:     storage.TokenTypeAccess,
		ClientID:      clientID,
		UserID:        userID,
		Scope:         scope,
		ExpiresAt:     now.Add(s.accessTokenTTL),
		ParentTokenID: refresh.ID,
		CreatedAt:     now,
	}
	access.plain = accessPlain
	if e := tx.CreateOAuthToken(ctx, access.OAuthToken); e != nil {
		return refresh, access, authgwerr.Wrap(authgwerr.KindPersistence, e, "could not store access token")
	}

	if e := s.appendAndEnqueue(ctx, tx, storage.AggregateToken, refresh.ID, "TokenIssued", map[string]any{
		"client_id": clientID,
		"user_id":   userID,
		"scope":     scope,
	}, now); e != nil {
		return refresh, access, authgwerr.Wrap(authgwerr.KindPersistence, e, "could not append TokenIssued event")
	}
	return refresh, access, nil
}

// revokeSubtree revokes id and every live descendant reachable from it
// (BFS over ListTokenChildren), all with the same reason. Grounded on
// spec §4.5's "revoking any node revokes its entire subtree" invariant;
// dex has no refresh-rotation-chain precedent, so this traversal is built
// from scratch against the Storage interface's ListTokenChildren.
func (s *Server) revokeSubtree(ctx context.Context, tx storage.Storage, rootID string, reason storage.RevokedReason, now time.Time) error {
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if err := tx.RevokeOAuthToken(ctx, id, reason, now); err != nil {
			return err
		}
		children, err := tx.ListTokenChildren(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if !c.Revoked {
				queue = append(queue, c.ID)
			}
		}
	}
	return nil
}

// revokeLiveChildren revokes only id's direct and transitive live
// children, leaving id itself untouched (used during rotation, where the
// caller has already revoked id with a different reason).
func (s *Server) revokeLiveChildren(ctx context.Context, tx storage.Storage, id string, reason storage.RevokedReason, now time.Time) error {
	children, err := tx.ListTokenChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Revoked {
			continue
		}
		if err := s.revokeSubtree(ctx, tx, c.ID, reason, now); err != nil {
			return err
		}
	}
	return nil
}

// recordAuthorizationCodeReplay reacts to replay of an already-consumed
// authorization code (spec §4.5/§8's replay-defense invariant), which is
// itself evidence the code leaked. storage.AuthorizationCode does not
// record which refresh token it minted, so there is no subtree to walk
// the way refresh-token reuse walks ListTokenChildren; this records the
// incident for operators to act on (e.g. forcing the affected user to
// reauthenticate) rather than silently accepting it. Runs in its own
// committed transaction since the caller's has already failed and rolled
// back by the time this is called.
func (s *Server) recordAuthorizationCodeReplay(ctx context.Context, ac storage.AuthorizationCode, now time.Time) {
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		return s.appendAndEnqueue(ctx, tx, storage.AggregateClient, ac.ClientID, "AuthCodeReplayDetected", map[string]any{
			"client_id": ac.ClientID,
			"user_id":   ac.UserID,
		}, now)
	})
	if err != nil {
		s.logger.WithError(err).Warn("server: could not record authorization code replay event")
	}
	s.logger.WithField("client_id", ac.ClientID).WithField("user_id", ac.UserID).
		Warn("server: authorization code replay detected")
}

// appendAndEnqueue appends an event and enqueues its outbox row in the
// caller's transaction — the one atomic unit every mutating engine
// operation performs (spec §4.2/§4.3).
func (s *Server) appendAndEnqueue(ctx context.Context, tx storage.Storage, aggType storage.AggregateType, aggID, eventType string, payload map[string]any, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	eventID, _, err := tx.AppendEvent(ctx, storage.Event{
		AggregateType:    aggType,
		AggregateID:      aggID,
		EventType:        eventType,
		EventTypeVersion: 1,
		Payload:          body,
		OccurredAt:       now,
	})
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, storage.OutboxEntry{
		EventID:       eventID,
		Destination:   "projection",
		Status:        storage.OutboxPending,
		NextAttemptAt: now,
	})
}

// getOAuthClient reads through the tiered cache (spec §4.4): OAuthClient
// records are cached ~1h and invalidated on admin mutation.
func (s *Server) getOAuthClient(ctx context.Context, clientID string) (storage.OAuthClient, *authgwerr.Error) {
	cacheKey := "oauth_client:" + clientID
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cacheKey); ok {
			var c storage.OAuthClient
			if err := json.Unmarshal(raw, &c); err == nil {
				return c, nil
			}
		}
	}
	c, err := s.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return c, authgwerr.OAuthProtocol(authgwerr.OAuthInvalidClient, "unknown client")
		}
		return c, authgwerr.Wrap(authgwerr.KindPersistence, err, "could not load client")
	}
	if s.cache != nil {
		if raw, merr := json.Marshal(c); merr == nil {
			s.cache.Set(ctx, cacheKey, raw, s.clientCacheTTL)
		}
	}
	return c, nil
}

// invalidateOAuthClientCache removes a client's cached record from every
// layer; call after any admin mutation to it.
func (s *Server) invalidateOAuthClientCache(ctx context.Context, clientID string) {
	if s.cache != nil {
		s.cache.Delete(ctx, "oauth_client:"+clientID)
	}
}

// asAuthErr unwraps err to an *authgwerr.Error for audit logging, wrapping
// anything else as a service-kind error. A nil err stays nil.
func asAuthErr(err error) *authgwerr.Error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(*authgwerr.Error); ok {
		return aerr
	}
	return authgwerr.Wrap(authgwerr.KindService, err, "internal error")
}

// auditOAuth records an OAuthAuditLog row in its own committed transaction,
// separate from any caller transaction: audit trail entries must survive
// even when the operation they describe failed and rolled back (spec
// §4.10/§7). The row and its event/outbox projection are still written
// atomically, through the same appendAndEnqueue path as every other
// mutation, so the audit trail reaches the outbox's durable projection
// like any other event (spec §4.3/§4.10).
func (s *Server) auditOAuth(ctx context.Context, eventType, clientID string, aerr *authgwerr.Error) {
	entry := storage.OAuthAuditLog{
		ID:        storage.NewID(),
		EventType: eventType,
		ClientID:  clientID,
		Success:   aerr == nil,
		IPAddress: RemoteIPFromContext(ctx),
		CreatedAt: s.now(),
	}
	if aerr != nil {
		entry.ErrorCode = aerr.Code
		entry.ErrorDescription = aerr.Message
	}
	now := entry.CreatedAt
	err := s.store.Transact(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.AppendOAuthAuditLog(ctx, entry); err != nil {
			return err
		}
		return s.appendAndEnqueue(ctx, tx, storage.AggregateAudit, entry.ID, "OAuthAuditLogged", map[string]any{
			"event_type": entry.EventType,
			"client_id":  entry.ClientID,
			"success":    entry.Success,
		}, now)
	})
	if err != nil {
		s.logger.WithError(err).Warn("server: could not append oauth audit log")
	}
}

func splitScope(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// resolveScope implements spec §4.5: requested = requested ∩ allowed;
// empty requested falls back to defaults; any requested scope outside
// allowed is an invalid_scope error.
func resolveScope(requested, allowed, defaults []string) ([]string, *authgwerr.Error) {
	if len(requested) == 0 {
		return defaults, nil
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if !allowedSet[r] {
			return nil, authgwerr.OAuthProtocol(authgwerr.OAuthInvalidScope, "scope not allowed: "+r)
		}
		out = append(out, r)
	}
	return out, nil
}

// narrowScope implements refresh-grant scope handling: the new scope may
// narrow the original grant but never widen it; an empty request inherits
// the original in full.
func narrowScope(requested, original []string) ([]string, *authgwerr.Error) {
	if len(requested) == 0 {
		return original, nil
	}
	originalSet := make(map[string]bool, len(original))
	for _, o := range original {
		originalSet[o] = true
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if !originalSet[r] {
			return nil, authgwerr.OAuthProtocol(authgwerr.OAuthInvalidScope, "scope exceeds original grant: "+r)
		}
		out = append(out, r)
	}
	return out, nil
}
