package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the behaviour every backend shares.
func exercise(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Read(ctx, "garden.automerge")
	assert.ErrorIs(t, err, ErrNotExist)
	ok, err := b.Exists(ctx, "garden.automerge")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Write(ctx, "garden.automerge", []byte("one")))
	require.NoError(t, b.Write(ctx, "garden.automerge", []byte("two")))
	require.NoError(t, b.Write(ctx, "alpha.json", []byte("{}")))

	raw, err := b.Read(ctx, "garden.automerge")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), raw)
	ok, err = b.Exists(ctx, "garden.automerge")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := b.List(ctx)
	require.NoError(t, err)
	assert.Subset(t, names, []string{"alpha.json", "garden.automerge"})

	assert.ErrorIs(t, b.Write(ctx, "../escape", nil), ErrInvalidName)
	_, err = b.Read(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFiles(dir)
	require.NoError(t, err)
	exercise(t, f)

	names, err := f.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha.json", "garden.automerge"}, names)

	// no temp files are left behind by writes
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFilesIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.automerge"), 0o755))
	f, err := NewFiles(dir)
	require.NoError(t, err)

	names, err := f.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
	ok, err := f.Exists(context.Background(), "nested.automerge")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, KindSQLite, t.TempDir(), "")
	require.NoError(t, err)
	defer b.Close()
	exercise(t, b)
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), "s3", t.TempDir(), "")
	assert.Error(t, err)
	_, err = Open(context.Background(), KindPostgres, t.TempDir(), "")
	assert.Error(t, err)
}

func TestSQLPostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	s := NewSQL(db, "postgres")

	mock.ExpectQuery(`SELECT content FROM records WHERE name = $1`).
		WithArgs("garden.automerge").
		WillReturnRows(sqlmock.NewRows([]string{"content"}))
	_, err = s.Read(ctx, "garden.automerge")
	assert.ErrorIs(t, err, ErrNotExist)

	mock.ExpectExec(`INSERT INTO records (name, content) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET content = excluded.content`).
		WithArgs("garden.automerge", []byte("state")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Write(ctx, "garden.automerge", []byte("state")))

	mock.ExpectQuery(`SELECT content FROM records WHERE name = $1`).
		WithArgs("garden.automerge").
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow([]byte("state")))
	raw, err := s.Read(ctx, "garden.automerge")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), raw)

	mock.ExpectQuery(`SELECT COUNT(*) FROM records WHERE name = $1`).
		WithArgs("garden.json").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	ok, err := s.Exists(ctx, "garden.json")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`SELECT name FROM records ORDER BY name`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("garden.automerge").AddRow("garden.json"))
	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"garden.automerge", "garden.json"}, names)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQL(db, "sqlite3")

	mock.ExpectExec(`INSERT INTO records`).WillReturnError(errors.New("disk full"))
	err = s.Write(context.Background(), "garden.automerge", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
