// Package storage defines the persistence gateway: a typed, transactional
// interface over the entities named in the authentication gateway's data
// model. Implementations live in storage/memory (in-process, also used as
// the L1 cache's reference shape and as a fast test double), storage/sql
// (the L3 authoritative relational store: postgres, mysql, sqlite3) and
// storage/redis (the L2 durable cache tier).
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"
)

// ErrNotFound is returned by a storage implementation when a resource
// cannot be found.
var ErrNotFound = Error{Code: ErrNotFoundCode}

// ErrAlreadyExists is returned by a storage implementation when a create
// collides with an existing resource (duplicate client_id, duplicate
// active API key name for a user, etc).
var ErrAlreadyExists = Error{Code: ErrAlreadyExistsCode}

const (
	ErrNotFoundCode      ErrorCode = "not found"
	ErrAlreadyExistsCode ErrorCode = "already exists"
)

// newSecureID returns a random, base32-encoded identifier of the requested
// byte length. Grounded in dex's storage.newSecureID.
func newSecureID(numBytes int) string {
	buff := make([]byte, numBytes)
	if _, err := rand.Read(buff); err != nil {
		panic(err)
	}
	return strings.TrimRight(base32.StdEncoding.EncodeToString(buff), "=")
}

// NewID returns a new random identifier suitable for row IDs that are not
// otherwise a UUID (the event/outbox/session/api-key primary keys use
// google/uuid instead; this helper remains for storage-internal IDs that
// don't need RFC 4122 shape).
func NewID() string { return newSecureID(16) }

// ClientType distinguishes confidential OAuth clients (which hold a secret)
// from public ones (native/CLI/browser apps that cannot keep a secret,
// hence the PKCE requirement).
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

type ClientStatus string

const (
	ClientStatusActive   ClientStatus = "active"
	ClientStatusDisabled ClientStatus = "disabled"
)

// OAuthClient is a registered OAuth2 client application.
type OAuthClient struct {
	ClientID                    string
	ClientType                  ClientType
	ApplicationType             string // free-form, e.g. "mcp", "cli", "web"
	SecretHash                  string // empty for public clients
	RequirePKCE                 bool
	AllowedCodeChallengeMethods []string
	AllowedRedirectURIs         []string
	AllowedScopes               []string
	DefaultScopes               []string
	Status                      ClientStatus
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// Active reports whether the client may currently be used in a grant.
func (c OAuthClient) Active() bool { return c.Status == ClientStatusActive }

// AllowsRedirectURI reports whether uri is in the client's allow-list.
// Matching is exact-string, never normalized (spec §4.5).
func (c OAuthClient) AllowsRedirectURI(uri string) bool {
	for _, u := range c.AllowedRedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsCodeChallengeMethod reports whether method is permitted for this client.
func (c OAuthClient) AllowsCodeChallengeMethod(method string) bool {
	for _, m := range c.AllowedCodeChallengeMethods {
		if m == method {
			return true
		}
	}
	return false
}

// AuthorizationCode is a one-time-use authorization-code-grant artifact.
// The plain code is never stored; CodeHash is SHA-256 of it.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	Scope               []string
	State               string
	ExpiresAt           time.Time
	Consumed            bool
	ConsumedAt          *time.Time
	IPAddress           string
	UserAgent           string
	CreatedAt           time.Time
}

// Expired reports whether the code is no longer usable at instant now.
func (a AuthorizationCode) Expired(now time.Time) bool { return !now.Before(a.ExpiresAt) }

// TokenType distinguishes access tokens from the refresh tokens that mint them.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// RevokedReason records why a token is no longer live.
type RevokedReason string

const (
	RevokedReasonExpired         RevokedReason = "expired"
	RevokedReasonRotated         RevokedReason = "rotated"
	RevokedReasonAncestorRotated RevokedReason = "ancestor_rotated"
	RevokedReasonRevoked         RevokedReason = "revoked"
)

// OAuthToken is a node in a refresh-rotation chain: either the refresh
// token itself, or an access token whose ParentTokenID names the refresh
// that minted it. Revoking a node revokes its entire subtree.
type OAuthToken struct {
	ID            string
	TokenHash     string
	TokenType     TokenType
	ClientID      string
	UserID        string
	Scope         []string
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason RevokedReason
	ParentTokenID string // empty for a root refresh token
	CreatedAt     time.Time
}

// Live reports whether the token is currently usable.
func (t OAuthToken) Live(now time.Time) bool { return !t.Revoked && now.Before(t.ExpiresAt) }

// Platform identifies the kind of client holding a browser session.
type Platform string

const (
	PlatformWeb Platform = "web"
	PlatformMCP Platform = "mcp"
	PlatformCLI Platform = "cli"
	PlatformAPI Platform = "api"
)

// Session is a first-party browser (or equivalent) login session.
type Session struct {
	ID               string
	UserID           string
	Platform         Platform
	TokenHash        string
	RefreshTokenHash string
	ClientID         string // optional
	Scope            []string
	IPAddress        string
	UserAgent        string
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	Metadata         map[string]string
	CreatedAt        time.Time
}

func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// AccessLevel is the coarse authorization tier an API key (or session)
// carries, consulted by downstream services.
type AccessLevel string

const (
	AccessLevelPublic        AccessLevel = "public"
	AccessLevelAuthenticated AccessLevel = "authenticated"
	AccessLevelTeam          AccessLevel = "team"
	AccessLevelAdmin         AccessLevel = "admin"
	AccessLevelEnterprise    AccessLevel = "enterprise"
)

// ApiKey is a long-lived, prefixed bearer credential for server-to-server
// use. The plain value is never persisted; KeyHash is SHA-256 of it.
type ApiKey struct {
	ID          string
	Name        string
	KeyHash     string
	UserID      string
	AccessLevel AccessLevel
	Permissions []string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (k ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// UserAccount is the locally cached identity record the gateway keeps for
// every subject it has resolved, upserted on user_id. It is not the system
// of record for identity — that's the upstream identity provider — merely
// the local projection engines join against.
type UserAccount struct {
	UserID       string
	Email        string // stored lowercase
	Role         string
	Provider     string // optional
	RawMetadata  map[string]any
	CreatedAt    time.Time
	LastSignInAt time.Time
	UpdatedAt    time.Time
}

// AggregateType names the kind of entity an event's aggregate_id refers to.
type AggregateType string

const (
	AggregateUser    AggregateType = "user"
	AggregateClient  AggregateType = "client"
	AggregateSession AggregateType = "session"
	AggregateToken   AggregateType = "token"
	AggregateAPIKey  AggregateType = "api_key"
	AggregateAudit   AggregateType = "audit"
)

// Event is an immutable, append-only record of a state change. Version is
// monotonic per (AggregateType, AggregateID) and is assigned under a row
// lock inside the same transaction as the mutation it describes.
type Event struct {
	EventID          string
	AggregateType    AggregateType
	AggregateID      string
	Version          int
	EventType        string
	EventTypeVersion int
	Payload          []byte // structured JSON, schema keyed by EventTypeVersion
	Metadata         []byte
	OccurredAt       time.Time
}

// OutboxStatus is the delivery state of an OutboxEntry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// MaxOutboxAttempts is the attempt count at which an outbox row is
// dead-lettered (transitions to OutboxFailed) rather than retried again.
const MaxOutboxAttempts = 5

// OutboxEntry drives at-least-once delivery of an Event to the external
// projection target. It is inserted in the same transaction as the Event
// it refers to.
type OutboxEntry struct {
	ID            string
	EventID       string
	Destination   string
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	Error         string
	UpdatedAt     time.Time
}

// AuditLog is an immutable, non-OAuth-specific operational record (session
// and API key lifecycle events).
type AuditLog struct {
	ID               string
	EventType        string
	Success          bool
	ErrorCode        string
	ErrorDescription string
	IPAddress        string
	UserAgent        string
	UserID           string
	Metadata         []byte
	CreatedAt        time.Time
}

// OAuthAuditLog is an immutable record of an OAuth2 protocol event.
type OAuthAuditLog struct {
	ID               string
	EventType        string
	ClientID         string
	Success          bool
	ErrorCode        string
	ErrorDescription string
	IPAddress        string
	UserAgent        string
	Metadata         []byte
	CreatedAt        time.Time
}

// OAuthState is the relational (L3) row type for short-lived keyed blobs
// with an expiry, such as OAuth `state`/CSRF tokens, device codes or OTP
// state. In this module only the storage health probe writes it; pkg/cache
// keeps OTP state in its cache tiers and does not write it here.
type OAuthState struct {
	Key       string
	Blob      []byte
	ExpiresAt time.Time
}

func (s OAuthState) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// GCResult reports how many expired rows a GarbageCollect pass removed.
type GCResult struct {
	AuthorizationCodes int
	OAuthTokens        int
	Sessions           int
	OAuthStates        int
}

func (r GCResult) IsEmpty() bool {
	return r.AuthorizationCodes == 0 && r.OAuthTokens == 0 && r.Sessions == 0 && r.OAuthStates == 0
}

// Storage is the persistence gateway. Every state-changing operation that
// must be atomic with an event-log append and outbox enqueue is expressed
// as a closure run through Transact; implementations provide tx a scoped
// Storage bound to a single underlying transaction.
type Storage interface {
	// Transact runs fn within a single transaction, passing a Storage
	// scoped to it. Serialization failures are retried internally up to
	// 3 times (spec §4.2) before surfacing a PersistenceError-shaped
	// error to the caller.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error

	CreateOAuthClient(ctx context.Context, c OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (OAuthClient, error)
	ListOAuthClients(ctx context.Context) ([]OAuthClient, error)
	UpdateOAuthClient(ctx context.Context, clientID string, updater func(OAuthClient) (OAuthClient, error)) error
	DeleteOAuthClient(ctx context.Context, clientID string) error

	CreateAuthorizationCode(ctx context.Context, c AuthorizationCode) error
	// ConsumeAuthorizationCode looks up the code by hash under a row lock,
	// and if it is live and unconsumed, marks it consumed and returns the
	// pre-consumption record. If it was already consumed it still returns
	// the record (Consumed=true) so the caller can run replay defense.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (AuthorizationCode, error)
	GetAuthorizationCode(ctx context.Context, codeHash string) (AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, codeHash string) error

	CreateOAuthToken(ctx context.Context, t OAuthToken) error
	GetOAuthTokenByHash(ctx context.Context, tokenHash string) (OAuthToken, error)
	GetOAuthToken(ctx context.Context, id string) (OAuthToken, error)
	// ListTokenChildren returns the direct children of id (tokens whose
	// ParentTokenID == id), for subtree-revocation traversal.
	ListTokenChildren(ctx context.Context, id string) ([]OAuthToken, error)
	RevokeOAuthToken(ctx context.Context, id string, reason RevokedReason, now time.Time) error

	CreateSession(ctx context.Context, s Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsByUser(ctx context.Context, userID string) error

	CreateApiKey(ctx context.Context, k ApiKey) error
	GetApiKey(ctx context.Context, id string) (ApiKey, error)
	GetApiKeyByHash(ctx context.Context, keyHash string) (ApiKey, error)
	ListApiKeysByUser(ctx context.Context, userID string) ([]ApiKey, error)
	UpdateApiKey(ctx context.Context, id string, updater func(ApiKey) (ApiKey, error)) error
	DeleteApiKey(ctx context.Context, id string) error
	TouchApiKeyLastUsed(ctx context.Context, id string, lastUsedAt time.Time) error

	UpsertUserAccount(ctx context.Context, u UserAccount) error
	GetUserAccount(ctx context.Context, userID string) (UserAccount, error)
	GetUserAccountByEmail(ctx context.Context, email string) (UserAccount, error)

	// AppendEvent assigns the next version for (aggregateType, aggregateID)
	// under a row lock and inserts the event, returning the assigned
	// event_id/version.
	AppendEvent(ctx context.Context, e Event) (eventID string, version int, err error)
	ListEvents(ctx context.Context, aggregateType AggregateType, aggregateID string) ([]Event, error)
	// GetEvent looks up a single event by its primary key, for the outbox
	// delivery worker to join an OutboxEntry back to its payload.
	GetEvent(ctx context.Context, eventID string) (Event, error)

	EnqueueOutbox(ctx context.Context, o OutboxEntry) error
	// FetchDueOutbox returns up to limit pending rows with next_attempt_at
	// <= now, for the delivery worker.
	FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id string, now time.Time) error
	MarkOutboxFailedAttempt(ctx context.Context, id string, attempts int, errMsg string, nextAttemptAt time.Time, now time.Time) error
	OutboxStats(ctx context.Context, now time.Time) (pending, failed int, oldestPendingSeconds float64, err error)

	AppendAuditLog(ctx context.Context, a AuditLog) error
	AppendOAuthAuditLog(ctx context.Context, a OAuthAuditLog) error

	GetOAuthState(ctx context.Context, key string) (OAuthState, error)
	PutOAuthState(ctx context.Context, s OAuthState) error
	DeleteOAuthState(ctx context.Context, key string) error

	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)

	Close() error
}
