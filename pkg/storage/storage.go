// Package storage holds the durable record backends a document store writes to. A
// record is an opaque blob addressed by a flat name such as "garden.automerge".
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotExist    = errors.New("record does not exist")
	ErrInvalidName = errors.New("invalid record name")
)

const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

type Backend interface {
	// Read returns ErrNotExist when no record has the given name.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write replaces the record atomically.
	Write(ctx context.Context, name string, data []byte) error
	Exists(ctx context.Context, name string) (bool, error)
	// List returns every record name, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the backend named by kind. dataDir is used by the file backend and as the
// default database location for sqlite; dsn overrides it for the SQL backends.
func Open(ctx context.Context, kind, dataDir, dsn string) (Backend, error) {
	switch kind {
	case KindFile, "":
		return NewFiles(dataDir)
	case KindSQLite:
		if dsn == "" {
			f, err := NewFiles(dataDir)
			if err != nil {
				return nil, err
			}
			dsn = f.path("rspace.sqlite3")
		}
		return OpenSQL(ctx, "sqlite3", dsn)
	case KindPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage needs a database url")
		}
		return OpenSQL(ctx, "postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
