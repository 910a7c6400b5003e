//go:build cgo
// +build cgo

package sql

import (
	"database/sql"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/thefixer3x/onasis-authgate/storage"
)

// SQLite3 options for creating an SQL db. Intended for local development and
// tests; the durability guarantees single-writer SQLite provides are not a
// fit for the concurrent authorization-code and token-rotation paths in a
// production deployment.
type SQLite3 struct {
	File string `json:"file"`

	// BlobEncryptionKey, if set, must be 32 bytes (AES-256) and is used
	// to encrypt OAuthState.Blob at rest. Nil disables encryption.
	BlobEncryptionKey []byte `json:"-"`
}

// Open creates a new storage implementation backed by SQLite3.
func (s *SQLite3) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	conn, err := s.open(logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *SQLite3) open(logger logrus.FieldLogger) (*conn, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}

	// Allow only one connection at a time; any other goroutine attempting
	// concurrent access waits instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	errCheck := func(err error) bool {
		sqlErr, ok := err.(sqlite3.Error)
		if !ok {
			return false
		}
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	c := &conn{db, flavorSQLite3, logger, errCheck, s.BlobEncryptionKey}
	if _, err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to perform migrations: %v", err)
	}
	return c, nil
}
