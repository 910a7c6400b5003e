// Package memory provides an in-memory implementation of storage.Storage.
// It backs unit tests for every engine and, unconfigured, is a legal (if
// non-durable) L3 backend — useful for local development without a
// database. Grounded on dex's storage/memory package: single mutex guarding
// plain maps, transactions modeled as a guarded closure.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/onasis-authgate/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns a fresh in-memory storage.
func New() storage.Storage {
	return &memStorage{
		clients:        make(map[string]storage.OAuthClient),
		authCodes:      make(map[string]storage.AuthorizationCode),
		tokens:         make(map[string]storage.OAuthToken),
		tokensByHash:   make(map[string]string),
		sessions:       make(map[string]storage.Session),
		sessionsByHash: make(map[string]string),
		apiKeys:        make(map[string]storage.ApiKey),
		apiKeysByHash:  make(map[string]string),
		users:          make(map[string]storage.UserAccount),
		events:         make(map[string]storage.Event),
		eventVersions:  make(map[string]int),
		outbox:         make(map[string]storage.OutboxEntry),
		oauthStates:    make(map[string]storage.OAuthState),
		auditLogs:      make(map[string]storage.AuditLog),
		oauthAuditLogs: make(map[string]storage.OAuthAuditLog),
	}
}

type memStorage struct {
	mu sync.Mutex

	clients        map[string]storage.OAuthClient
	authCodes      map[string]storage.AuthorizationCode
	tokens         map[string]storage.OAuthToken
	tokensByHash   map[string]string // token_hash -> id
	sessions       map[string]storage.Session
	sessionsByHash map[string]string // token_hash -> id
	apiKeys        map[string]storage.ApiKey
	apiKeysByHash  map[string]string // key_hash -> id
	users          map[string]storage.UserAccount
	usersByEmail   map[string]string
	events         map[string]storage.Event
	eventVersions  map[string]int // "aggregateType:aggregateID" -> max version
	outbox         map[string]storage.OutboxEntry
	oauthStates    map[string]storage.OAuthState
	auditLogs      map[string]storage.AuditLog
	oauthAuditLogs map[string]storage.OAuthAuditLog
}

// Transact hands fn the same storage handle. Every individual operation
// locks s.mu for its own duration, but the lock is not held across fn: a
// concurrent caller can interleave between two of its operations, and an
// error returned by fn rolls nothing back (there is no multi-statement
// transaction in an in-memory backend).
func (s *memStorage) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	return fn(ctx, s)
}

func (s *memStorage) Close() error { return nil }

// --- OAuth clients ---

func (s *memStorage) CreateOAuthClient(ctx context.Context, c storage.OAuthClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOAuthClient(c)
}

func (s *memStorage) createOAuthClient(c storage.OAuthClient) error {
	if _, ok := s.clients[c.ClientID]; ok {
		return storage.ErrAlreadyExists
	}
	s.clients[c.ClientID] = c
	return nil
}

func (s *memStorage) GetOAuthClient(ctx context.Context, clientID string) (storage.OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return storage.OAuthClient{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) ListOAuthClients(ctx context.Context) ([]storage.OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.OAuthClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *memStorage) UpdateOAuthClient(ctx context.Context, clientID string, updater func(storage.OAuthClient) (storage.OAuthClient, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	updated, err := updater(c)
	if err != nil {
		return err
	}
	s.clients[clientID] = updated
	return nil
}

func (s *memStorage) DeleteOAuthClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// --- Authorization codes ---

func (s *memStorage) CreateAuthorizationCode(ctx context.Context, c storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authCodes[c.CodeHash]; ok {
		return storage.ErrAlreadyExists
	}
	s.authCodes[c.CodeHash] = c
	return nil
}

func (s *memStorage) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authCodes[codeHash]
	if !ok {
		return storage.AuthorizationCode{}, storage.ErrNotFound
	}
	prior := c
	if !c.Consumed {
		c.Consumed = true
		t := now
		c.ConsumedAt = &t
		s.authCodes[codeHash] = c
	}
	return prior, nil
}

func (s *memStorage) GetAuthorizationCode(ctx context.Context, codeHash string) (storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authCodes[codeHash]
	if !ok {
		return storage.AuthorizationCode{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authCodes[codeHash]; !ok {
		return storage.ErrNotFound
	}
	delete(s.authCodes, codeHash)
	return nil
}

// --- OAuth tokens ---

func (s *memStorage) CreateOAuthToken(ctx context.Context, t storage.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.tokens[t.ID] = t
	s.tokensByHash[t.TokenHash] = t.ID
	return nil
}

func (s *memStorage) GetOAuthTokenByHash(ctx context.Context, tokenHash string) (storage.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokensByHash[tokenHash]
	if !ok {
		return storage.OAuthToken{}, storage.ErrNotFound
	}
	return s.tokens[id], nil
}

func (s *memStorage) GetOAuthToken(ctx context.Context, id string) (storage.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return storage.OAuthToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *memStorage) ListTokenChildren(ctx context.Context, id string) ([]storage.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OAuthToken
	for _, t := range s.tokens {
		if t.ParentTokenID == id {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStorage) RevokeOAuthToken(ctx context.Context, id string, reason storage.RevokedReason, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Revoked {
		return nil
	}
	t.Revoked = true
	rt := now
	t.RevokedAt = &rt
	t.RevokedReason = reason
	s.tokens[id] = t
	return nil
}

// --- Sessions ---

func (s *memStorage) CreateSession(ctx context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.sessions[sess.ID] = sess
	s.sessionsByHash[sess.TokenHash] = sess.ID
	return nil
}

func (s *memStorage) GetSessionByTokenHash(ctx context.Context, tokenHash string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessionsByHash[tokenHash]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return s.sessions[id], nil
}

func (s *memStorage) TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	sess.LastUsedAt = lastUsedAt
	s.sessions[id] = sess
	return nil
}

func (s *memStorage) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.sessionsByHash, sess.TokenHash)
	return nil
}

func (s *memStorage) DeleteSessionsByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
			delete(s.sessionsByHash, sess.TokenHash)
		}
	}
	return nil
}

// --- API keys ---

func (s *memStorage) CreateApiKey(ctx context.Context, k storage.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apiKeys {
		if existing.UserID == k.UserID && existing.Name == k.Name && existing.IsActive {
			return storage.ErrAlreadyExists
		}
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	s.apiKeys[k.ID] = k
	s.apiKeysByHash[k.KeyHash] = k.ID
	return nil
}

func (s *memStorage) GetApiKey(ctx context.Context, id string) (storage.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ApiKey{}, storage.ErrNotFound
	}
	return k, nil
}

func (s *memStorage) GetApiKeyByHash(ctx context.Context, keyHash string) (storage.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.apiKeysByHash[keyHash]
	if !ok {
		return storage.ApiKey{}, storage.ErrNotFound
	}
	return s.apiKeys[id], nil
}

func (s *memStorage) ListApiKeysByUser(ctx context.Context, userID string) ([]storage.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ApiKey
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStorage) UpdateApiKey(ctx context.Context, id string, updater func(storage.ApiKey) (storage.ApiKey, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrNotFound
	}
	updated, err := updater(k)
	if err != nil {
		return err
	}
	delete(s.apiKeysByHash, k.KeyHash)
	s.apiKeys[id] = updated
	s.apiKeysByHash[updated.KeyHash] = id
	return nil
}

func (s *memStorage) DeleteApiKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.apiKeys, id)
	delete(s.apiKeysByHash, k.KeyHash)
	return nil
}

func (s *memStorage) TouchApiKeyLastUsed(ctx context.Context, id string, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := lastUsedAt
	k.LastUsedAt = &t
	s.apiKeys[id] = k
	return nil
}

// --- User accounts ---

func (s *memStorage) UpsertUserAccount(ctx context.Context, u storage.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertUserAccount(u)
}

func (s *memStorage) upsertUserAccount(u storage.UserAccount) error {
	if s.usersByEmail == nil {
		s.usersByEmail = make(map[string]string)
	}
	s.users[u.UserID] = u
	s.usersByEmail[u.Email] = u.UserID
	return nil
}

func (s *memStorage) GetUserAccount(ctx context.Context, userID string) (storage.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.UserAccount{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStorage) GetUserAccountByEmail(ctx context.Context, email string) (storage.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return storage.UserAccount{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

// --- Events ---

func eventKey(aggregateType storage.AggregateType, aggregateID string) string {
	return string(aggregateType) + ":" + aggregateID
}

func (s *memStorage) AppendEvent(ctx context.Context, e storage.Event) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(e.AggregateType, e.AggregateID)
	next := s.eventVersions[key] + 1
	e.Version = next
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	s.eventVersions[key] = next
	s.events[e.EventID] = e
	return e.EventID, next, nil
}

func (s *memStorage) ListEvents(ctx context.Context, aggregateType storage.AggregateType, aggregateID string) ([]storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Event
	for _, e := range s.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memStorage) GetEvent(ctx context.Context, eventID string) (storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return storage.Event{}, storage.ErrNotFound
	}
	return e, nil
}

// --- Outbox ---

func (s *memStorage) EnqueueOutbox(ctx context.Context, o storage.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.outbox[o.ID] = o
	return nil
}

func (s *memStorage) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OutboxEntry
	for _, o := range s.outbox {
		if o.Status == storage.OutboxPending && !o.NextAttemptAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStorage) MarkOutboxSent(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	o.Status = storage.OutboxSent
	o.UpdatedAt = now
	s.outbox[id] = o
	return nil
}

func (s *memStorage) MarkOutboxFailedAttempt(ctx context.Context, id string, attempts int, errMsg string, nextAttemptAt time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	o.Attempts = attempts
	o.Error = errMsg
	o.UpdatedAt = now
	if attempts >= storage.MaxOutboxAttempts {
		o.Status = storage.OutboxFailed
	} else {
		o.NextAttemptAt = nextAttemptAt
	}
	s.outbox[id] = o
	return nil
}

func (s *memStorage) OutboxStats(ctx context.Context, now time.Time) (pending, failed int, oldestPendingSeconds float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, o := range s.outbox {
		switch o.Status {
		case storage.OutboxPending:
			pending++
			if oldest.IsZero() || o.UpdatedAt.Before(oldest) {
				oldest = o.UpdatedAt
			}
		case storage.OutboxFailed:
			failed++
		}
	}
	if !oldest.IsZero() {
		oldestPendingSeconds = now.Sub(oldest).Seconds()
	}
	return pending, failed, oldestPendingSeconds, nil
}

// --- Audit logs ---

func (s *memStorage) AppendAuditLog(ctx context.Context, a storage.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Retained only for the lifetime of the process; a durable backend
	// persists these rows. The in-memory backend keeps them in a map so
	// tests can assert on what was written.
	s.auditLogs[a.ID] = a
	return nil
}

func (s *memStorage) AppendOAuthAuditLog(ctx context.Context, a storage.OAuthAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthAuditLogs[a.ID] = a
	return nil
}

// --- OAuth state (transient KV, L3 fallback) ---

func (s *memStorage) GetOAuthState(ctx context.Context, key string) (storage.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.oauthStates[key]
	if !ok {
		return storage.OAuthState{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *memStorage) PutOAuthState(ctx context.Context, st storage.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauthStates[st.Key] = st
	return nil
}

func (s *memStorage) DeleteOAuthState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oauthStates, key)
	return nil
}

// --- Garbage collection ---

func (s *memStorage) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result storage.GCResult

	for hash, c := range s.authCodes {
		if now.After(c.ExpiresAt) {
			delete(s.authCodes, hash)
			result.AuthorizationCodes++
		}
	}
	for id, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, id)
			delete(s.tokensByHash, t.TokenHash)
			result.OAuthTokens++
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			delete(s.sessionsByHash, sess.TokenHash)
			result.Sessions++
		}
	}
	for key, st := range s.oauthStates {
		if now.After(st.ExpiresAt) {
			delete(s.oauthStates, key)
			result.OAuthStates++
		}
	}
	return result, nil
}

// AuditLogsForTest returns a snapshot of every AuditLog row appended so
// far. storage.Storage has no general query API for audit rows (durable
// backends are queried directly by operators); this exists so tests
// against the in-memory backend can assert on what was written. s must be
// a value returned by New.
func AuditLogsForTest(s storage.Storage) []storage.AuditLog {
	m := s.(*memStorage)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.AuditLog, 0, len(m.auditLogs))
	for _, a := range m.auditLogs {
		out = append(out, a)
	}
	return out
}

// OAuthAuditLogsForTest is AuditLogsForTest's OAuth-specific counterpart.
func OAuthAuditLogsForTest(s storage.Storage) []storage.OAuthAuditLog {
	m := s.(*memStorage)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.OAuthAuditLog, 0, len(m.oauthAuditLogs))
	for _, a := range m.oauthAuditLogs {
		out = append(out, a)
	}
	return out
}
