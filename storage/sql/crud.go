package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thefixer3x/onasis-authgate/pkg/crypto"
	"github.com/thefixer3x/onasis-authgate/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package.
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be
// passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct{ i interface{} }

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %v", err)
	}
	return b, nil
}

type jsonDecoder struct{ i interface{} }

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	return json.Unmarshal(b, &j.i)
}

// execer abstracts conn vs trans so every CRUD function below is written
// once and shared between the top-level connection and a Transact-scoped
// transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

var (
	_ storage.Storage = (*conn)(nil)
	_ storage.Storage = (*txStorage)(nil)
	_ execer          = (*conn)(nil)
	_ execer          = (*trans)(nil)
)

// txStorage is the Storage handle passed to a Transact closure: every
// operation runs against the same *trans, so a closure composing several
// calls gets one atomic unit of work.
type txStorage struct {
	t *trans
	c *conn
}

func (t *txStorage) alreadyExists(err error) bool { return t.c.alreadyExistsCheck(err) }

// Transact on *conn opens a new flavor-appropriate transaction (with
// serialization-failure retry) and scopes a txStorage to it.
func (c *conn) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	return c.ExecTx(func(tx *trans) error {
		return fn(ctx, &txStorage{t: tx, c: c})
	})
}

// Transact on an already-transaction-scoped txStorage runs fn against the
// same transaction; SQL has no useful notion of nested transactions here; the
// inner closure just shares the outer one's atomicity.
func (t *txStorage) Transact(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	return fn(ctx, t)
}

// ---- oauth_client ----

func createOAuthClient(e execer, c storage.OAuthClient) error {
	_, err := e.Exec(`
		insert into oauth_client (
			client_id, client_type, application_type, secret_hash, require_pkce,
			allowed_code_challenge_methods, allowed_redirect_uris, allowed_scopes,
			default_scopes, status, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`,
		c.ClientID, c.ClientType, c.ApplicationType, c.SecretHash, c.RequirePKCE,
		encoder(c.AllowedCodeChallengeMethods), encoder(c.AllowedRedirectURIs),
		encoder(c.AllowedScopes), encoder(c.DefaultScopes), c.Status, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (c *conn) CreateOAuthClient(ctx context.Context, cl storage.OAuthClient) error {
	if err := createOAuthClient(c, cl); err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_client: %v", err)
	}
	return nil
}

func (t *txStorage) CreateOAuthClient(ctx context.Context, cl storage.OAuthClient) error {
	if err := createOAuthClient(t.t, cl); err != nil {
		if t.alreadyExists(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_client: %v", err)
	}
	return nil
}

func scanOAuthClient(s scanner) (c storage.OAuthClient, err error) {
	err = s.Scan(
		&c.ClientID, &c.ClientType, &c.ApplicationType, &c.SecretHash, &c.RequirePKCE,
		decoder(&c.AllowedCodeChallengeMethods), decoder(&c.AllowedRedirectURIs),
		decoder(&c.AllowedScopes), decoder(&c.DefaultScopes), &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getOAuthClient(e execer, clientID string) (storage.OAuthClient, error) {
	row := e.QueryRow(`
		select client_id, client_type, application_type, secret_hash, require_pkce,
			allowed_code_challenge_methods, allowed_redirect_uris, allowed_scopes,
			default_scopes, status, created_at, updated_at
		from oauth_client where client_id = $1;
	`, clientID)
	c, err := scanOAuthClient(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return c, storage.ErrNotFound
		}
		return c, fmt.Errorf("select oauth_client: %v", err)
	}
	return c, nil
}

func (c *conn) GetOAuthClient(ctx context.Context, clientID string) (storage.OAuthClient, error) {
	return getOAuthClient(c, clientID)
}

func (t *txStorage) GetOAuthClient(ctx context.Context, clientID string) (storage.OAuthClient, error) {
	return getOAuthClient(t.t, clientID)
}

func listOAuthClients(e execer) ([]storage.OAuthClient, error) {
	rows, err := e.Query(`
		select client_id, client_type, application_type, secret_hash, require_pkce,
			allowed_code_challenge_methods, allowed_redirect_uris, allowed_scopes,
			default_scopes, status, created_at, updated_at
		from oauth_client;
	`)
	if err != nil {
		return nil, fmt.Errorf("list oauth_client: %v", err)
	}
	defer rows.Close()

	var out []storage.OAuthClient
	for rows.Next() {
		c, err := scanOAuthClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth_client: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (c *conn) ListOAuthClients(ctx context.Context) ([]storage.OAuthClient, error) {
	return listOAuthClients(c)
}

func (t *txStorage) ListOAuthClients(ctx context.Context) ([]storage.OAuthClient, error) {
	return listOAuthClients(t.t)
}

func updateOAuthClient(conn interface {
	execer
	ExecTx(func(*trans) error) error
}, clientID string, updater func(storage.OAuthClient) (storage.OAuthClient, error),
) error {
	return conn.ExecTx(func(tx *trans) error {
		c, err := getOAuthClient(tx, clientID)
		if err != nil {
			return err
		}
		if c, err = updater(c); err != nil {
			return err
		}
		_, err = tx.Exec(`
			update oauth_client set
				client_type = $1, application_type = $2, secret_hash = $3, require_pkce = $4,
				allowed_code_challenge_methods = $5, allowed_redirect_uris = $6, allowed_scopes = $7,
				default_scopes = $8, status = $9, updated_at = $10
			where client_id = $11;
		`,
			c.ClientType, c.ApplicationType, c.SecretHash, c.RequirePKCE,
			encoder(c.AllowedCodeChallengeMethods), encoder(c.AllowedRedirectURIs),
			encoder(c.AllowedScopes), encoder(c.DefaultScopes), c.Status, c.UpdatedAt, clientID,
		)
		return err
	})
}

func (c *conn) UpdateOAuthClient(ctx context.Context, clientID string, updater func(storage.OAuthClient) (storage.OAuthClient, error)) error {
	return updateOAuthClient(c, clientID, updater)
}

func (t *txStorage) UpdateOAuthClient(ctx context.Context, clientID string, updater func(storage.OAuthClient) (storage.OAuthClient, error)) error {
	c, err := getOAuthClient(t.t, clientID)
	if err != nil {
		return err
	}
	if c, err = updater(c); err != nil {
		return err
	}
	_, err = t.t.Exec(`
		update oauth_client set
			client_type = $1, application_type = $2, secret_hash = $3, require_pkce = $4,
			allowed_code_challenge_methods = $5, allowed_redirect_uris = $6, allowed_scopes = $7,
			default_scopes = $8, status = $9, updated_at = $10
		where client_id = $11;
	`,
		c.ClientType, c.ApplicationType, c.SecretHash, c.RequirePKCE,
		encoder(c.AllowedCodeChallengeMethods), encoder(c.AllowedRedirectURIs),
		encoder(c.AllowedScopes), encoder(c.DefaultScopes), c.Status, c.UpdatedAt, clientID,
	)
	return err
}

func deleteOAuthClient(e execer, clientID string) error {
	r, err := e.Exec(`delete from oauth_client where client_id = $1;`, clientID)
	if err != nil {
		return fmt.Errorf("delete oauth_client: %v", err)
	}
	n, err := r.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) DeleteOAuthClient(ctx context.Context, clientID string) error {
	return deleteOAuthClient(c, clientID)
}

func (t *txStorage) DeleteOAuthClient(ctx context.Context, clientID string) error {
	return deleteOAuthClient(t.t, clientID)
}

// ---- oauth_authorization_code ----

func createAuthorizationCode(e execer, a storage.AuthorizationCode) error {
	_, err := e.Exec(`
		insert into oauth_authorization_code (
			code_hash, client_id, user_id, code_challenge, code_challenge_method,
			redirect_uri, scope, state, expiry, consumed, consumed_at,
			ip_address, user_agent, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`,
		a.CodeHash, a.ClientID, a.UserID, a.CodeChallenge, a.CodeChallengeMethod,
		a.RedirectURI, encoder(a.Scope), a.State, a.ExpiresAt, a.Consumed, a.ConsumedAt,
		a.IPAddress, a.UserAgent, a.CreatedAt,
	)
	return err
}

func (c *conn) CreateAuthorizationCode(ctx context.Context, a storage.AuthorizationCode) error {
	if err := createAuthorizationCode(c, a); err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_authorization_code: %v", err)
	}
	return nil
}

func (t *txStorage) CreateAuthorizationCode(ctx context.Context, a storage.AuthorizationCode) error {
	if err := createAuthorizationCode(t.t, a); err != nil {
		if t.alreadyExists(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_authorization_code: %v", err)
	}
	return nil
}

func scanAuthorizationCode(s scanner) (a storage.AuthorizationCode, err error) {
	err = s.Scan(
		&a.CodeHash, &a.ClientID, &a.UserID, &a.CodeChallenge, &a.CodeChallengeMethod,
		&a.RedirectURI, decoder(&a.Scope), &a.State, &a.ExpiresAt, &a.Consumed, &a.ConsumedAt,
		&a.IPAddress, &a.UserAgent, &a.CreatedAt,
	)
	return a, err
}

const authCodeSelectCols = `code_hash, client_id, user_id, code_challenge, code_challenge_method,
	redirect_uri, scope, state, expiry, consumed, consumed_at, ip_address, user_agent, created_at`

func getAuthorizationCode(e execer, codeHash string) (storage.AuthorizationCode, error) {
	row := e.QueryRow(`select `+authCodeSelectCols+` from oauth_authorization_code where code_hash = $1;`, codeHash)
	a, err := scanAuthorizationCode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return a, storage.ErrNotFound
		}
		return a, fmt.Errorf("select oauth_authorization_code: %v", err)
	}
	return a, nil
}

func (c *conn) GetAuthorizationCode(ctx context.Context, codeHash string) (storage.AuthorizationCode, error) {
	return getAuthorizationCode(c, codeHash)
}

func (t *txStorage) GetAuthorizationCode(ctx context.Context, codeHash string) (storage.AuthorizationCode, error) {
	return getAuthorizationCode(t.t, codeHash)
}

// consumeAuthorizationCode reads the row under FOR UPDATE then, if it was
// not already consumed, marks it so. It always returns the pre-consumption
// snapshot, letting the caller distinguish a fresh consumption from a
// replay (Consumed already true on the returned record).
func consumeAuthorizationCode(tx *trans, codeHash string, now time.Time) (storage.AuthorizationCode, error) {
	row := tx.QueryRow(`select `+authCodeSelectCols+` from oauth_authorization_code where code_hash = $1 for update;`, codeHash)
	a, err := scanAuthorizationCode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return a, storage.ErrNotFound
		}
		return a, fmt.Errorf("select oauth_authorization_code for update: %v", err)
	}
	if a.Consumed {
		return a, nil
	}
	if _, err := tx.Exec(`update oauth_authorization_code set consumed = true, consumed_at = $1 where code_hash = $2;`, now, codeHash); err != nil {
		return a, fmt.Errorf("consume oauth_authorization_code: %v", err)
	}
	return a, nil
}

func (c *conn) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (ac storage.AuthorizationCode, err error) {
	err = c.ExecTx(func(tx *trans) error {
		var txErr error
		ac, txErr = consumeAuthorizationCode(tx, codeHash, now)
		return txErr
	})
	return ac, err
}

func (t *txStorage) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (storage.AuthorizationCode, error) {
	return consumeAuthorizationCode(t.t, codeHash, now)
}

func deleteAuthorizationCode(e execer, codeHash string) error {
	_, err := e.Exec(`delete from oauth_authorization_code where code_hash = $1;`, codeHash)
	return err
}

func (c *conn) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	return deleteAuthorizationCode(c, codeHash)
}

func (t *txStorage) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	return deleteAuthorizationCode(t.t, codeHash)
}

// ---- oauth_token ----

func createOAuthToken(e execer, tk storage.OAuthToken) error {
	_, err := e.Exec(`
		insert into oauth_token (
			id, token_hash, token_type, client_id, user_id, scope, expiry,
			revoked, revoked_at, revoked_reason, parent_token_id, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`,
		tk.ID, tk.TokenHash, tk.TokenType, tk.ClientID, tk.UserID, encoder(tk.Scope), tk.ExpiresAt,
		tk.Revoked, tk.RevokedAt, tk.RevokedReason, tk.ParentTokenID, tk.CreatedAt,
	)
	return err
}

func (c *conn) CreateOAuthToken(ctx context.Context, tk storage.OAuthToken) error {
	if err := createOAuthToken(c, tk); err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_token: %v", err)
	}
	return nil
}

func (t *txStorage) CreateOAuthToken(ctx context.Context, tk storage.OAuthToken) error {
	if err := createOAuthToken(t.t, tk); err != nil {
		if t.alreadyExists(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert oauth_token: %v", err)
	}
	return nil
}

const tokenSelectCols = `id, token_hash, token_type, client_id, user_id, scope, expiry,
	revoked, revoked_at, revoked_reason, parent_token_id, created_at`

func scanOAuthToken(s scanner) (tk storage.OAuthToken, err error) {
	err = s.Scan(
		&tk.ID, &tk.TokenHash, &tk.TokenType, &tk.ClientID, &tk.UserID, decoder(&tk.Scope), &tk.ExpiresAt,
		&tk.Revoked, &tk.RevokedAt, &tk.RevokedReason, &tk.ParentTokenID, &tk.CreatedAt,
	)
	return tk, err
}

func getOAuthTokenByHash(e execer, tokenHash string) (storage.OAuthToken, error) {
	row := e.QueryRow(`select `+tokenSelectCols+` from oauth_token where token_hash = $1;`, tokenHash)
	tk, err := scanOAuthToken(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return tk, storage.ErrNotFound
		}
		return tk, fmt.Errorf("select oauth_token by hash: %v", err)
	}
	return tk, nil
}

func (c *conn) GetOAuthTokenByHash(ctx context.Context, tokenHash string) (storage.OAuthToken, error) {
	return getOAuthTokenByHash(c, tokenHash)
}

func (t *txStorage) GetOAuthTokenByHash(ctx context.Context, tokenHash string) (storage.OAuthToken, error) {
	return getOAuthTokenByHash(t.t, tokenHash)
}

func getOAuthToken(e execer, id string) (storage.OAuthToken, error) {
	row := e.QueryRow(`select `+tokenSelectCols+` from oauth_token where id = $1;`, id)
	tk, err := scanOAuthToken(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return tk, storage.ErrNotFound
		}
		return tk, fmt.Errorf("select oauth_token: %v", err)
	}
	return tk, nil
}

func (c *conn) GetOAuthToken(ctx context.Context, id string) (storage.OAuthToken, error) {
	return getOAuthToken(c, id)
}

func (t *txStorage) GetOAuthToken(ctx context.Context, id string) (storage.OAuthToken, error) {
	return getOAuthToken(t.t, id)
}

func listTokenChildren(e execer, id string) ([]storage.OAuthToken, error) {
	rows, err := e.Query(`select `+tokenSelectCols+` from oauth_token where parent_token_id = $1;`, id)
	if err != nil {
		return nil, fmt.Errorf("list oauth_token children: %v", err)
	}
	defer rows.Close()

	var out []storage.OAuthToken
	for rows.Next() {
		tk, err := scanOAuthToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth_token: %v", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (c *conn) ListTokenChildren(ctx context.Context, id string) ([]storage.OAuthToken, error) {
	return listTokenChildren(c, id)
}

func (t *txStorage) ListTokenChildren(ctx context.Context, id string) ([]storage.OAuthToken, error) {
	return listTokenChildren(t.t, id)
}

func revokeOAuthToken(e execer, id string, reason storage.RevokedReason, now time.Time) error {
	r, err := e.Exec(`
		update oauth_token set revoked = true, revoked_at = $1, revoked_reason = $2
		where id = $3 and revoked = false;
	`, now, reason, id)
	if err != nil {
		return fmt.Errorf("revoke oauth_token: %v", err)
	}
	if _, err := r.RowsAffected(); err != nil {
		return err
	}
	// Idempotent: revoking an already-revoked or missing token is a no-op,
	// matching storage/memory's contract for cascading subtree revocation.
	return nil
}

func (c *conn) RevokeOAuthToken(ctx context.Context, id string, reason storage.RevokedReason, now time.Time) error {
	return revokeOAuthToken(c, id, reason, now)
}

func (t *txStorage) RevokeOAuthToken(ctx context.Context, id string, reason storage.RevokedReason, now time.Time) error {
	return revokeOAuthToken(t.t, id, reason, now)
}

// ---- session ----

func createSession(e execer, s storage.Session) error {
	_, err := e.Exec(`
		insert into session (
			id, user_id, platform, token_hash, refresh_token_hash, client_id, scope,
			ip_address, user_agent, expiry, last_used_at, metadata, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`,
		s.ID, s.UserID, s.Platform, s.TokenHash, s.RefreshTokenHash, s.ClientID, encoder(s.Scope),
		s.IPAddress, s.UserAgent, s.ExpiresAt, s.LastUsedAt, encoder(s.Metadata), s.CreatedAt,
	)
	return err
}

func (c *conn) CreateSession(ctx context.Context, s storage.Session) error {
	if err := createSession(c, s); err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %v", err)
	}
	return nil
}

func (t *txStorage) CreateSession(ctx context.Context, s storage.Session) error {
	if err := createSession(t.t, s); err != nil {
		if t.alreadyExists(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %v", err)
	}
	return nil
}

const sessionSelectCols = `id, user_id, platform, token_hash, refresh_token_hash, client_id, scope,
	ip_address, user_agent, expiry, last_used_at, metadata, created_at`

func scanSession(s scanner) (sess storage.Session, err error) {
	err = s.Scan(
		&sess.ID, &sess.UserID, &sess.Platform, &sess.TokenHash, &sess.RefreshTokenHash, &sess.ClientID,
		decoder(&sess.Scope), &sess.IPAddress, &sess.UserAgent, &sess.ExpiresAt, &sess.LastUsedAt,
		decoder(&sess.Metadata), &sess.CreatedAt,
	)
	return sess, err
}

func getSessionByTokenHash(e execer, tokenHash string) (storage.Session, error) {
	row := e.QueryRow(`select `+sessionSelectCols+` from session where token_hash = $1;`, tokenHash)
	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, storage.ErrNotFound
		}
		return s, fmt.Errorf("select session: %v", err)
	}
	return s, nil
}

func (c *conn) GetSessionByTokenHash(ctx context.Context, tokenHash string) (storage.Session, error) {
	return getSessionByTokenHash(c, tokenHash)
}

func (t *txStorage) GetSessionByTokenHash(ctx context.Context, tokenHash string) (storage.Session, error) {
	return getSessionByTokenHash(t.t, tokenHash)
}

func touchSession(e execer, id string, lastUsedAt time.Time) error {
	r, err := e.Exec(`update session set last_used_at = $1 where id = $2;`, lastUsedAt, id)
	if err != nil {
		return fmt.Errorf("touch session: %v", err)
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error {
	return touchSession(c, id, lastUsedAt)
}

func (t *txStorage) TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error {
	return touchSession(t.t, id, lastUsedAt)
}

func deleteSession(e execer, id string) error {
	_, err := e.Exec(`delete from session where id = $1;`, id)
	return err
}

func (c *conn) DeleteSession(ctx context.Context, id string) error { return deleteSession(c, id) }
func (t *txStorage) DeleteSession(ctx context.Context, id string) error {
	return deleteSession(t.t, id)
}

func deleteSessionsByUser(e execer, userID string) error {
	_, err := e.Exec(`delete from session where user_id = $1;`, userID)
	return err
}

func (c *conn) DeleteSessionsByUser(ctx context.Context, userID string) error {
	return deleteSessionsByUser(c, userID)
}

func (t *txStorage) DeleteSessionsByUser(ctx context.Context, userID string) error {
	return deleteSessionsByUser(t.t, userID)
}

// ---- api_key ----

func createApiKey(e execer, k storage.ApiKey) error {
	_, err := e.Exec(`
		insert into api_key (
			id, name, key_hash, user_id, access_level, permissions, expiry,
			last_used_at, is_active, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`,
		k.ID, k.Name, k.KeyHash, k.UserID, k.AccessLevel, encoder(k.Permissions), k.ExpiresAt,
		k.LastUsedAt, k.IsActive, k.CreatedAt, k.UpdatedAt,
	)
	return err
}

func (c *conn) CreateApiKey(ctx context.Context, k storage.ApiKey) error {
	if err := createApiKey(c, k); err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert api_key: %v", err)
	}
	return nil
}

func (t *txStorage) CreateApiKey(ctx context.Context, k storage.ApiKey) error {
	if err := createApiKey(t.t, k); err != nil {
		if t.alreadyExists(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert api_key: %v", err)
	}
	return nil
}

const apiKeySelectCols = `id, name, key_hash, user_id, access_level, permissions, expiry,
	last_used_at, is_active, created_at, updated_at`

func scanApiKey(s scanner) (k storage.ApiKey, err error) {
	err = s.Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.UserID, &k.AccessLevel, decoder(&k.Permissions), &k.ExpiresAt,
		&k.LastUsedAt, &k.IsActive, &k.CreatedAt, &k.UpdatedAt,
	)
	return k, err
}

func getApiKey(e execer, id string) (storage.ApiKey, error) {
	row := e.QueryRow(`select `+apiKeySelectCols+` from api_key where id = $1;`, id)
	k, err := scanApiKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return k, storage.ErrNotFound
		}
		return k, fmt.Errorf("select api_key: %v", err)
	}
	return k, nil
}

func (c *conn) GetApiKey(ctx context.Context, id string) (storage.ApiKey, error) { return getApiKey(c, id) }
func (t *txStorage) GetApiKey(ctx context.Context, id string) (storage.ApiKey, error) {
	return getApiKey(t.t, id)
}

func getApiKeyByHash(e execer, keyHash string) (storage.ApiKey, error) {
	row := e.QueryRow(`select `+apiKeySelectCols+` from api_key where key_hash = $1;`, keyHash)
	k, err := scanApiKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return k, storage.ErrNotFound
		}
		return k, fmt.Errorf("select api_key by hash: %v", err)
	}
	return k, nil
}

func (c *conn) GetApiKeyByHash(ctx context.Context, keyHash string) (storage.ApiKey, error) {
	return getApiKeyByHash(c, keyHash)
}

func (t *txStorage) GetApiKeyByHash(ctx context.Context, keyHash string) (storage.ApiKey, error) {
	return getApiKeyByHash(t.t, keyHash)
}

func listApiKeysByUser(e execer, userID string) ([]storage.ApiKey, error) {
	rows, err := e.Query(`select `+apiKeySelectCols+` from api_key where user_id = $1;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api_key: %v", err)
	}
	defer rows.Close()

	var out []storage.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api_key: %v", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *conn) ListApiKeysByUser(ctx context.Context, userID string) ([]storage.ApiKey, error) {
	return listApiKeysByUser(c, userID)
}

func (t *txStorage) ListApiKeysByUser(ctx context.Context, userID string) ([]storage.ApiKey, error) {
	return listApiKeysByUser(t.t, userID)
}

func updateApiKeyTx(tx *trans, id string, updater func(storage.ApiKey) (storage.ApiKey, error)) error {
	k, err := getApiKey(tx, id)
	if err != nil {
		return err
	}
	if k, err = updater(k); err != nil {
		return err
	}
	_, err = tx.Exec(`
		update api_key set
			name = $1, access_level = $2, permissions = $3, expiry = $4,
			is_active = $5, updated_at = $6
		where id = $7;
	`, k.Name, k.AccessLevel, encoder(k.Permissions), k.ExpiresAt, k.IsActive, k.UpdatedAt, id)
	return err
}

func (c *conn) UpdateApiKey(ctx context.Context, id string, updater func(storage.ApiKey) (storage.ApiKey, error)) error {
	return c.ExecTx(func(tx *trans) error { return updateApiKeyTx(tx, id, updater) })
}

func (t *txStorage) UpdateApiKey(ctx context.Context, id string, updater func(storage.ApiKey) (storage.ApiKey, error)) error {
	return updateApiKeyTx(t.t, id, updater)
}

func deleteApiKey(e execer, id string) error {
	_, err := e.Exec(`delete from api_key where id = $1;`, id)
	return err
}

func (c *conn) DeleteApiKey(ctx context.Context, id string) error { return deleteApiKey(c, id) }
func (t *txStorage) DeleteApiKey(ctx context.Context, id string) error {
	return deleteApiKey(t.t, id)
}

func touchApiKeyLastUsed(e execer, id string, lastUsedAt time.Time) error {
	_, err := e.Exec(`update api_key set last_used_at = $1 where id = $2;`, lastUsedAt, id)
	return err
}

func (c *conn) TouchApiKeyLastUsed(ctx context.Context, id string, lastUsedAt time.Time) error {
	return touchApiKeyLastUsed(c, id, lastUsedAt)
}

func (t *txStorage) TouchApiKeyLastUsed(ctx context.Context, id string, lastUsedAt time.Time) error {
	return touchApiKeyLastUsed(t.t, id, lastUsedAt)
}

// ---- user_account ----

func upsertUserAccount(e execer, u storage.UserAccount) error {
	_, err := e.Exec(`
		insert into user_account (user_id, email, role, provider, raw_metadata, created_at, last_sign_in_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (user_id) do update set
			email = excluded.email, role = excluded.role, provider = excluded.provider,
			raw_metadata = excluded.raw_metadata, last_sign_in_at = excluded.last_sign_in_at,
			updated_at = excluded.updated_at;
	`, u.UserID, u.Email, u.Role, u.Provider, encoder(u.RawMetadata), u.CreatedAt, u.LastSignInAt, u.UpdatedAt)
	return err
}

func (c *conn) UpsertUserAccount(ctx context.Context, u storage.UserAccount) error {
	if err := upsertUserAccount(c, u); err != nil {
		return fmt.Errorf("upsert user_account: %v", err)
	}
	return nil
}

func (t *txStorage) UpsertUserAccount(ctx context.Context, u storage.UserAccount) error {
	if err := upsertUserAccount(t.t, u); err != nil {
		return fmt.Errorf("upsert user_account: %v", err)
	}
	return nil
}

const userAccountSelectCols = `user_id, email, role, provider, raw_metadata, created_at, last_sign_in_at, updated_at`

func scanUserAccount(s scanner) (u storage.UserAccount, err error) {
	err = s.Scan(&u.UserID, &u.Email, &u.Role, &u.Provider, decoder(&u.RawMetadata), &u.CreatedAt, &u.LastSignInAt, &u.UpdatedAt)
	return u, err
}

func getUserAccount(e execer, userID string) (storage.UserAccount, error) {
	row := e.QueryRow(`select `+userAccountSelectCols+` from user_account where user_id = $1;`, userID)
	u, err := scanUserAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return u, storage.ErrNotFound
		}
		return u, fmt.Errorf("select user_account: %v", err)
	}
	return u, nil
}

func (c *conn) GetUserAccount(ctx context.Context, userID string) (storage.UserAccount, error) {
	return getUserAccount(c, userID)
}

func (t *txStorage) GetUserAccount(ctx context.Context, userID string) (storage.UserAccount, error) {
	return getUserAccount(t.t, userID)
}

func getUserAccountByEmail(e execer, email string) (storage.UserAccount, error) {
	row := e.QueryRow(`select `+userAccountSelectCols+` from user_account where email = $1;`, email)
	u, err := scanUserAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return u, storage.ErrNotFound
		}
		return u, fmt.Errorf("select user_account by email: %v", err)
	}
	return u, nil
}

func (c *conn) GetUserAccountByEmail(ctx context.Context, email string) (storage.UserAccount, error) {
	return getUserAccountByEmail(c, email)
}

func (t *txStorage) GetUserAccountByEmail(ctx context.Context, email string) (storage.UserAccount, error) {
	return getUserAccountByEmail(t.t, email)
}

// ---- event ----

// appendEvent assigns the next version for (aggregateType, aggregateID)
// under a row lock and inserts the event in the same transaction. The lock
// is taken on the latest existing row rather than an aggregate (postgres
// rejects FOR UPDATE combined with MAX()); the first event for a brand new
// aggregate has no row to lock, so that single race is instead caught by
// the unique (aggregate_type, aggregate_id, version) index and surfaced as
// an ErrAlreadyExists for the caller to retry.
func appendEvent(tx *trans, e storage.Event) (string, int, error) {
	var latest sql.NullInt64
	err := tx.QueryRow(`
		select version from event where aggregate_type = $1 and aggregate_id = $2
		order by version desc limit 1 for update;
	`, e.AggregateType, e.AggregateID).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return "", 0, fmt.Errorf("select latest event version: %v", err)
	}
	version := 1
	if latest.Valid {
		version = int(latest.Int64) + 1
	}

	eventID := e.EventID
	if eventID == "" {
		eventID = storage.NewID()
	}

	_, err = tx.Exec(`
		insert into event (
			event_id, aggregate_type, aggregate_id, version, event_type,
			event_type_version, payload, metadata, occurred_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`, eventID, e.AggregateType, e.AggregateID, version, e.EventType, e.EventTypeVersion, e.Payload, e.Metadata, e.OccurredAt)
	if err != nil {
		if tx.c.alreadyExistsCheck(err) {
			return "", 0, storage.ErrAlreadyExists
		}
		return "", 0, fmt.Errorf("insert event: %v", err)
	}
	return eventID, version, nil
}

func (c *conn) AppendEvent(ctx context.Context, e storage.Event) (eventID string, version int, err error) {
	err = c.ExecTx(func(tx *trans) error {
		var txErr error
		eventID, version, txErr = appendEvent(tx, e)
		return txErr
	})
	return eventID, version, err
}

func (t *txStorage) AppendEvent(ctx context.Context, e storage.Event) (string, int, error) {
	return appendEvent(t.t, e)
}

func listEvents(e execer, aggregateType storage.AggregateType, aggregateID string) ([]storage.Event, error) {
	rows, err := e.Query(`
		select event_id, aggregate_type, aggregate_id, version, event_type, event_type_version, payload, metadata, occurred_at
		from event where aggregate_type = $1 and aggregate_id = $2 order by version asc;
	`, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list event: %v", err)
	}
	defer rows.Close()

	var out []storage.Event
	for rows.Next() {
		var ev storage.Event
		if err := rows.Scan(&ev.EventID, &ev.AggregateType, &ev.AggregateID, &ev.Version, &ev.EventType, &ev.EventTypeVersion, &ev.Payload, &ev.Metadata, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %v", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (c *conn) ListEvents(ctx context.Context, aggregateType storage.AggregateType, aggregateID string) ([]storage.Event, error) {
	return listEvents(c, aggregateType, aggregateID)
}

func (t *txStorage) ListEvents(ctx context.Context, aggregateType storage.AggregateType, aggregateID string) ([]storage.Event, error) {
	return listEvents(t.t, aggregateType, aggregateID)
}

func getEvent(e execer, eventID string) (storage.Event, error) {
	row := e.QueryRow(`
		select event_id, aggregate_type, aggregate_id, version, event_type, event_type_version, payload, metadata, occurred_at
		from event where event_id = $1;
	`, eventID)
	var ev storage.Event
	err := row.Scan(&ev.EventID, &ev.AggregateType, &ev.AggregateID, &ev.Version, &ev.EventType, &ev.EventTypeVersion, &ev.Payload, &ev.Metadata, &ev.OccurredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ev, storage.ErrNotFound
		}
		return ev, fmt.Errorf("select event: %v", err)
	}
	return ev, nil
}

func (c *conn) GetEvent(ctx context.Context, eventID string) (storage.Event, error) {
	return getEvent(c, eventID)
}

func (t *txStorage) GetEvent(ctx context.Context, eventID string) (storage.Event, error) {
	return getEvent(t.t, eventID)
}

// ---- outbox ----

func enqueueOutbox(e execer, o storage.OutboxEntry) error {
	_, err := e.Exec(`
		insert into outbox (id, event_id, destination, status, attempts, next_attempt_at, error, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8);
	`, o.ID, o.EventID, o.Destination, o.Status, o.Attempts, o.NextAttemptAt, o.Error, o.UpdatedAt)
	return err
}

func (c *conn) EnqueueOutbox(ctx context.Context, o storage.OutboxEntry) error {
	if err := enqueueOutbox(c, o); err != nil {
		return fmt.Errorf("insert outbox: %v", err)
	}
	return nil
}

func (t *txStorage) EnqueueOutbox(ctx context.Context, o storage.OutboxEntry) error {
	if err := enqueueOutbox(t.t, o); err != nil {
		return fmt.Errorf("insert outbox: %v", err)
	}
	return nil
}

func fetchDueOutbox(e execer, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	rows, err := e.Query(`
		select id, event_id, destination, status, attempts, next_attempt_at, error, updated_at
		from outbox where status = $1 and next_attempt_at <= $2 order by next_attempt_at asc limit $3;
	`, storage.OutboxPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbox: %v", err)
	}
	defer rows.Close()

	var out []storage.OutboxEntry
	for rows.Next() {
		var o storage.OutboxEntry
		if err := rows.Scan(&o.ID, &o.EventID, &o.Destination, &o.Status, &o.Attempts, &o.NextAttemptAt, &o.Error, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %v", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c *conn) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	return fetchDueOutbox(c, now, limit)
}

func (t *txStorage) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	return fetchDueOutbox(t.t, now, limit)
}

func markOutboxSent(e execer, id string, now time.Time) error {
	_, err := e.Exec(`update outbox set status = $1, updated_at = $2 where id = $3;`, storage.OutboxSent, now, id)
	return err
}

func (c *conn) MarkOutboxSent(ctx context.Context, id string, now time.Time) error {
	return markOutboxSent(c, id, now)
}

func (t *txStorage) MarkOutboxSent(ctx context.Context, id string, now time.Time) error {
	return markOutboxSent(t.t, id, now)
}

func markOutboxFailedAttempt(e execer, id string, attempts int, errMsg string, nextAttemptAt, now time.Time) error {
	status := storage.OutboxPending
	if attempts >= storage.MaxOutboxAttempts {
		status = storage.OutboxFailed
	}
	_, err := e.Exec(`
		update outbox set status = $1, attempts = $2, next_attempt_at = $3, error = $4, updated_at = $5
		where id = $6;
	`, status, attempts, nextAttemptAt, errMsg, now, id)
	return err
}

func (c *conn) MarkOutboxFailedAttempt(ctx context.Context, id string, attempts int, errMsg string, nextAttemptAt, now time.Time) error {
	return markOutboxFailedAttempt(c, id, attempts, errMsg, nextAttemptAt, now)
}

func (t *txStorage) MarkOutboxFailedAttempt(ctx context.Context, id string, attempts int, errMsg string, nextAttemptAt, now time.Time) error {
	return markOutboxFailedAttempt(t.t, id, attempts, errMsg, nextAttemptAt, now)
}

func outboxStats(e execer, now time.Time) (pending, failed int, oldestPendingSeconds float64, err error) {
	if err = e.QueryRow(`select count(*) from outbox where status = $1;`, storage.OutboxPending).Scan(&pending); err != nil {
		return 0, 0, 0, fmt.Errorf("count pending outbox: %v", err)
	}
	if err = e.QueryRow(`select count(*) from outbox where status = $1;`, storage.OutboxFailed).Scan(&failed); err != nil {
		return 0, 0, 0, fmt.Errorf("count failed outbox: %v", err)
	}
	var oldest sql.NullTime
	if err = e.QueryRow(`select min(next_attempt_at) from outbox where status = $1;`, storage.OutboxPending).Scan(&oldest); err != nil {
		return 0, 0, 0, fmt.Errorf("select oldest pending outbox: %v", err)
	}
	if oldest.Valid {
		oldestPendingSeconds = now.Sub(oldest.Time).Seconds()
	}
	return pending, failed, oldestPendingSeconds, nil
}

func (c *conn) OutboxStats(ctx context.Context, now time.Time) (int, int, float64, error) {
	return outboxStats(c, now)
}

func (t *txStorage) OutboxStats(ctx context.Context, now time.Time) (int, int, float64, error) {
	return outboxStats(t.t, now)
}

// ---- audit logs ----

func appendAuditLog(e execer, a storage.AuditLog) error {
	_, err := e.Exec(`
		insert into audit_log (id, actor_id, actor_type, action, target_type, target_id, ip_address, user_agent, metadata, occurred_at, success, error_code, error_description)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`, a.ID, a.UserID, "user", a.EventType, "", "", a.IPAddress, a.UserAgent, a.Metadata, a.CreatedAt, a.Success, a.ErrorCode, a.ErrorDescription)
	return err
}

func (c *conn) AppendAuditLog(ctx context.Context, a storage.AuditLog) error {
	if err := appendAuditLog(c, a); err != nil {
		return fmt.Errorf("insert audit_log: %v", err)
	}
	return nil
}

func (t *txStorage) AppendAuditLog(ctx context.Context, a storage.AuditLog) error {
	if err := appendAuditLog(t.t, a); err != nil {
		return fmt.Errorf("insert audit_log: %v", err)
	}
	return nil
}

func appendOAuthAuditLog(e execer, a storage.OAuthAuditLog) error {
	_, err := e.Exec(`
		insert into oauth_audit_log (id, client_id, user_id, event_type, grant_type, success, error_code, ip_address, occurred_at, error_description, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`, a.ID, a.ClientID, "", a.EventType, "", a.Success, a.ErrorCode, a.IPAddress, a.CreatedAt, a.ErrorDescription, a.Metadata)
	return err
}

func (c *conn) AppendOAuthAuditLog(ctx context.Context, a storage.OAuthAuditLog) error {
	if err := appendOAuthAuditLog(c, a); err != nil {
		return fmt.Errorf("insert oauth_audit_log: %v", err)
	}
	return nil
}

func (t *txStorage) AppendOAuthAuditLog(ctx context.Context, a storage.OAuthAuditLog) error {
	if err := appendOAuthAuditLog(t.t, a); err != nil {
		return fmt.Errorf("insert oauth_audit_log: %v", err)
	}
	return nil
}

// ---- oauth_state ----

// decryptBlob reverses encryptBlob; a nil key means the blob was never
// encrypted and is returned unchanged.
func decryptBlob(blob, key []byte) ([]byte, error) {
	if key == nil {
		return blob, nil
	}
	return crypto.Decrypt(blob, key)
}

// encryptBlob AES-GCM encrypts an OAuthState.Blob before it is persisted,
// when the connection was configured with a BlobEncryptionKey; a nil key
// stores the blob as given.
func encryptBlob(blob, key []byte) ([]byte, error) {
	if key == nil {
		return blob, nil
	}
	return crypto.Encrypt(blob, key)
}

func getOAuthState(e execer, blobKey []byte, key string) (storage.OAuthState, error) {
	var s storage.OAuthState
	err := e.QueryRow(`select key, blob, expiry from oauth_state where key = $1;`, key).Scan(&s.Key, &s.Blob, &s.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, storage.ErrNotFound
		}
		return s, fmt.Errorf("select oauth_state: %v", err)
	}
	if s.Blob, err = decryptBlob(s.Blob, blobKey); err != nil {
		return storage.OAuthState{}, fmt.Errorf("decrypt oauth_state blob: %v", err)
	}
	return s, nil
}

func (c *conn) GetOAuthState(ctx context.Context, key string) (storage.OAuthState, error) {
	return getOAuthState(c, c.blobKey, key)
}

func (t *txStorage) GetOAuthState(ctx context.Context, key string) (storage.OAuthState, error) {
	return getOAuthState(t.t, t.c.blobKey, key)
}

func putOAuthState(e execer, blobKey []byte, s storage.OAuthState) error {
	blob, err := encryptBlob(s.Blob, blobKey)
	if err != nil {
		return fmt.Errorf("encrypt oauth_state blob: %v", err)
	}
	_, err = e.Exec(`
		insert into oauth_state (key, blob, expiry) values ($1, $2, $3)
		on conflict (key) do update set blob = excluded.blob, expiry = excluded.expiry;
	`, s.Key, blob, s.ExpiresAt)
	return err
}

func (c *conn) PutOAuthState(ctx context.Context, s storage.OAuthState) error {
	if err := putOAuthState(c, c.blobKey, s); err != nil {
		return fmt.Errorf("upsert oauth_state: %v", err)
	}
	return nil
}

func (t *txStorage) PutOAuthState(ctx context.Context, s storage.OAuthState) error {
	if err := putOAuthState(t.t, t.c.blobKey, s); err != nil {
		return fmt.Errorf("upsert oauth_state: %v", err)
	}
	return nil
}

func deleteOAuthState(e execer, key string) error {
	_, err := e.Exec(`delete from oauth_state where key = $1;`, key)
	return err
}

func (c *conn) DeleteOAuthState(ctx context.Context, key string) error { return deleteOAuthState(c, key) }
func (t *txStorage) DeleteOAuthState(ctx context.Context, key string) error {
	return deleteOAuthState(t.t, key)
}

// ---- garbage collection ----

func garbageCollect(e execer, now time.Time) (storage.GCResult, error) {
	result := storage.GCResult{}

	r, err := e.Exec(`delete from oauth_authorization_code where expiry < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc oauth_authorization_code: %v", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.AuthorizationCodes = int(n)
	}

	r, err = e.Exec(`delete from oauth_token where expiry < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc oauth_token: %v", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.OAuthTokens = int(n)
	}

	r, err = e.Exec(`delete from session where expiry < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc session: %v", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.Sessions = int(n)
	}

	r, err = e.Exec(`delete from oauth_state where expiry < $1;`, now)
	if err != nil {
		return result, fmt.Errorf("gc oauth_state: %v", err)
	}
	if n, err := r.RowsAffected(); err == nil {
		result.OAuthStates = int(n)
	}

	return result, nil
}

func (c *conn) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	return garbageCollect(c, now)
}

func (t *txStorage) GarbageCollect(ctx context.Context, now time.Time) (storage.GCResult, error) {
	return garbageCollect(t.t, now)
}

func (t *txStorage) Close() error { return nil }
