//go:build !cgo
// +build !cgo

// This is a stub for the no CGO compilation (CGO_ENABLED=0).

package sql

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/thefixer3x/onasis-authgate/storage"
)

type SQLite3 struct {
	File string `json:"file"`

	BlobEncryptionKey []byte `json:"-"`
}

func (s *SQLite3) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	return nil, fmt.Errorf("binary was compiled with CGO_ENABLED=0, go-sqlite3 requires cgo to work")
}
