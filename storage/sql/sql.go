// Package sql provides SQL implementations of the storage interface.
package sql

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	// import third party drivers
	_ "github.com/mattn/go-sqlite3"
)

// maxSerializationRetries bounds the retry loop a flavor's executeTx runs
// when the database reports a serialization failure. The authorization-code
// consumption and event-append paths rely on this to never spin forever
// under contention.
const maxSerializationRetries = 3

// flavor represents a specific SQL implementation, and is used to translate query strings
// between different drivers. Flavors shouldn't aim to translate all possible SQL statements,
// only the specific queries used by the SQL storages.
type flavor struct {
	queryReplacers []replacer

	// Optional function to create and finish a transaction.
	executeTx func(db *sql.DB, fn func(*sql.Tx) error) error

	// Does the flavor support timezones?
	supportsTimezones bool
}

// A regexp with a replacement string.
type replacer struct {
	re   *regexp.Regexp
	with string
}

// Match a postgres query binds. E.g. "$1", "$12", etc.
var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

func isPostgresSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

func isMySQLSerializationFailure(err error) bool {
	myErr, ok := err.(*mysql.MySQLError)
	if !ok {
		return false
	}
	// 1213: deadlock found, 1205: lock wait timeout exceeded.
	return myErr.Number == 1213 || myErr.Number == 1205
}

var (
	// The "github.com/lib/pq" driver is the default flavor. All others are
	// translations of this.
	flavorPostgres = flavor{
		// The default behavior for Postgres transactions is consistent reads, not
		// consistent writes. For each transaction opened, ensure it has the
		// correct isolation level.
		//
		// See: https://www.postgresql.org/docs/9.3/static/sql-set-transaction.html
		//
		// Be careful not to wrap sql errors in the callback 'fn', otherwise
		// serialization failures will not be detected and retried.
		executeTx: func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.TODO())
			defer cancel()

			opts := &sql.TxOptions{
				Isolation: sql.LevelSerializable,
			}

			var lastErr error
			for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}

				if err := fn(tx); err != nil {
					tx.Rollback()
					if isPostgresSerializationFailure(err) {
						lastErr = err
						continue
					}
					return err
				}

				err = tx.Commit()
				if err != nil {
					if isPostgresSerializationFailure(err) {
						lastErr = err
						continue
					}
					return err
				}

				return nil
			}
			return lastErr
		},

		supportsTimezones: true,
	}

	flavorMySQL = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "datetime"},
			{regexp.MustCompile(`\bnow\(\)`), "utc_timestamp()"},
			// MySQL has no "on conflict (...) do update set" clause; its
			// equivalent is "on duplicate key update", which updates
			// whichever unique/primary key was violated rather than
			// naming one, and reads the rejected row via values(col)
			// instead of excluded.col.
			{regexp.MustCompile(`on conflict \([^)]*\) do update set`), "on duplicate key update"},
			{regexp.MustCompile(`excluded\.(\w+)`), "values($1)"},
		},

		executeTx: func(db *sql.DB, fn func(sqlTx *sql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.TODO())
			defer cancel()

			var lastErr error
			for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
				tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
				if err != nil {
					return err
				}

				if err := fn(tx); err != nil {
					tx.Rollback()
					if isMySQLSerializationFailure(err) {
						lastErr = err
						continue
					}
					return err
				}

				if err := tx.Commit(); err != nil {
					if isMySQLSerializationFailure(err) {
						lastErr = err
						continue
					}
					return err
				}
				return nil
			}
			return lastErr
		},

		// MySQL's DATETIME columns carry no timezone; normalize to UTC before binding.
		supportsTimezones: false,
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			// Translate for booleans to integers.
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			// Translate other types.
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			// SQLite doesn't have a "now()" method, replace with "date('now')"
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
			// SQLite has no row-level locking; the serialization guarantee
			// instead comes from db.SetMaxOpenConns(1) in sqlite.go.
			{regexp.MustCompile(`(?i)\bfor update\b`), ""},
		},
	}
)

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

// translateArgs translates query parameters that may be unique to
// a specific SQL flavor. For example, standardizing "time.Time"
// types to UTC for clients that don't provide timezone support.
func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}

	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the main database connection.
type conn struct {
	db                 *sql.DB
	flavor             flavor
	logger             logrus.FieldLogger
	alreadyExistsCheck func(err error) bool

	// blobKey, if set, AES-GCM encrypts OAuthState.Blob at rest (spec
	// §10's short-lived PKCE/session intermediate state). Nil disables
	// encryption and stores the blob as written.
	blobKey []byte
}

func (c *conn) Close() error {
	return c.db.Close()
}

// conn implements the same method signatures as encoding/sql.DB.

func (c *conn) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.Exec(query, c.translateArgs(args)...)
}

func (c *conn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.Query(query, c.translateArgs(args)...)
}

func (c *conn) QueryRow(query string, args ...interface{}) *sql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRow(query, c.translateArgs(args)...)
}

// ExecTx runs a method which operates on a transaction.
func (c *conn) ExecTx(fn func(tx *trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}

	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type trans struct {
	tx *sql.Tx
	c  *conn
}

// trans implements the same method signatures as encoding/sql.Tx.

func (t *trans) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Exec(query, t.c.translateArgs(args)...)
}

func (t *trans) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = t.c.flavor.translate(query)
	return t.tx.Query(query, t.c.translateArgs(args)...)
}

func (t *trans) QueryRow(query string, args ...interface{}) *sql.Row {
	query = t.c.flavor.translate(query)
	return t.tx.QueryRow(query, t.c.translateArgs(args)...)
}
