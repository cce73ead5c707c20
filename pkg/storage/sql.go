package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL keeps records in a single table. It works against sqlite3 and postgres; queries
// are written with ? placeholders and rebound for postgres.
type SQL struct {
	db     *sql.DB
	driver string
}

var _ Backend = (*SQL)(nil)

func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	slog.Info("Opening database", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := NewSQL(db, driver)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQL(db *sql.DB, driver string) *SQL {
	return &SQL{db: db, driver: driver}
}

func (s *SQL) Init(ctx context.Context) error {
	blob := "blob"
	if s.driver == "postgres" {
		blob = "bytea"
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		name text not null primary key,
		content `+blob+` not null
		)`); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	slog.Info("Ensured records table exists")
	return nil
}

func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Read(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	var content []byte
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT content FROM records WHERE name = ?`), name).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return content, nil
}

func (s *SQL) Write(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO records (name, content) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET content = excluded.content`),
		name, data,
	); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *SQL) Exists(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM records WHERE name = ?`), name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQL) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	return names, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
