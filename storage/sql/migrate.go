package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %v", err)
	}

	i := 0
	done := false
	for {
		err := c.ExecTx(func(tx *trans) error {
			var (
				num sql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %v", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %v", migrationNum, err)
			}

			q := `insert into migrations (num, at) values ($1, now());`
			if _, err := tx.Exec(q, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %v", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}

	return i, nil
}

type migration struct {
	stmt string
}

// All SQL flavors share migration strategies.
var migrations = []migration{
	{
		stmt: `
			create table oauth_client (
				client_id text not null primary key,
				client_type text not null,
				application_type text not null,
				secret_hash text not null,
				require_pkce boolean not null,
				allowed_code_challenge_methods bytea not null, -- JSON array of strings
				allowed_redirect_uris bytea not null,          -- JSON array of strings
				allowed_scopes bytea not null,                 -- JSON array of strings
				default_scopes bytea not null,                 -- JSON array of strings
				status text not null,
				created_at timestamptz not null,
				updated_at timestamptz not null
			);

			create table oauth_authorization_code (
				code_hash text not null primary key,
				client_id text not null,
				user_id text not null,
				code_challenge text not null,
				code_challenge_method text not null,
				redirect_uri text not null,
				scope text not null,
				state text not null,
				expiry timestamptz not null,
				consumed boolean not null,
				consumed_at timestamptz,
				ip_address text not null,
				user_agent text not null,
				created_at timestamptz not null
			);

			create table oauth_token (
				id text not null primary key,
				token_hash text not null,
				token_type text not null,
				client_id text not null,
				user_id text not null,
				scope text not null,
				expiry timestamptz not null,
				revoked boolean not null,
				revoked_at timestamptz,
				revoked_reason text not null,
				parent_token_id text not null,
				created_at timestamptz not null
			);
			create unique index oauth_token_hash_idx on oauth_token (token_hash);
			create index oauth_token_parent_idx on oauth_token (parent_token_id);

			create table session (
				id text not null primary key,
				user_id text not null,
				platform text not null,
				token_hash text not null,
				refresh_token_hash text not null,
				client_id text not null,
				scope text not null,
				ip_address text not null,
				user_agent text not null,
				expiry timestamptz not null,
				last_used_at timestamptz not null,
				metadata bytea not null, -- JSON object
				created_at timestamptz not null
			);
			create unique index session_token_hash_idx on session (token_hash);

			create table api_key (
				id text not null primary key,
				name text not null,
				key_hash text not null,
				user_id text not null,
				access_level text not null,
				permissions bytea not null, -- JSON array of strings
				expiry timestamptz,
				last_used_at timestamptz,
				is_active boolean not null,
				created_at timestamptz not null,
				updated_at timestamptz not null
			);
			create unique index api_key_hash_idx on api_key (key_hash);
			create index api_key_user_idx on api_key (user_id);

			create table user_account (
				user_id text not null primary key,
				email text not null,
				role text not null,
				provider text not null,
				raw_metadata bytea not null, -- JSON object
				created_at timestamptz not null,
				last_sign_in_at timestamptz not null,
				updated_at timestamptz not null
			);
			create unique index user_account_email_idx on user_account (email);

			create table event (
				event_id text not null primary key,
				aggregate_type text not null,
				aggregate_id text not null,
				version integer not null,
				event_type text not null,
				event_type_version integer not null,
				payload bytea not null,
				metadata bytea not null,
				occurred_at timestamptz not null
			);
			create unique index event_aggregate_version_idx on event (aggregate_type, aggregate_id, version);

			create table outbox (
				id text not null primary key,
				event_id text not null,
				destination text not null,
				status text not null,
				attempts integer not null,
				next_attempt_at timestamptz not null,
				error text not null,
				updated_at timestamptz not null
			);
			create index outbox_due_idx on outbox (status, next_attempt_at);

			create table audit_log (
				id text not null primary key,
				actor_id text not null,
				actor_type text not null,
				action text not null,
				target_type text not null,
				target_id text not null,
				ip_address text not null,
				user_agent text not null,
				metadata bytea not null,
				occurred_at timestamptz not null
			);

			create table oauth_audit_log (
				id text not null primary key,
				client_id text not null,
				user_id text not null,
				event_type text not null,
				grant_type text not null,
				success boolean not null,
				error_code text not null,
				ip_address text not null,
				occurred_at timestamptz not null
			);

			create table oauth_state (
				key text not null primary key,
				blob bytea not null,
				expiry timestamptz not null
			);
		`,
	},
	{
		stmt: `
			alter table audit_log add column success boolean not null default true;
			alter table audit_log add column error_code text not null default '';
			alter table audit_log add column error_description text not null default '';
			alter table oauth_audit_log add column error_description text not null default '';
			alter table oauth_audit_log add column metadata bytea;
		`,
	},
}
