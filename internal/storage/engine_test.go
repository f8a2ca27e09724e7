package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "storage")

	e, err := Open(dir, 10000, 0, nil)
	require.NoError(t, err)
	defer e.Close()

	e2, err := Open(dir, 10000, 0, nil) // second open against the same dir must not fail
	require.NoError(t, err)
	e2.Close()
}

func TestOpen_FailsWhenPathIsAFile(t *testing.T) {
	base := t.TempDir()
	conflict := filepath.Join(base, "not-a-dir")
	require.NoError(t, os.WriteFile(conflict, []byte("x"), 0o600))

	_, err := Open(conflict, 10000, 0, nil)
	require.Error(t, err)
}

func TestFormatSQL_OverflowIsRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 10000, 16, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.FormatSQL(`CREATE TABLE "rec-%016x" (id BLOB PRIMARY KEY)`, uint64(1))
	require.Error(t, err)
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 10000, 0, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	err = e.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `CREATE TABLE t (id INTEGER)`)
		return err
	})
	require.NoError(t, err)

	_, err = e.Exec(ctx, `INSERT INTO t VALUES (1)`)
	require.NoError(t, err)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 10000, 0, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	sentinel := errSentinel{}
	err = e.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `CREATE TABLE t (id INTEGER)`); err != nil {
			return err
		}
		return sentinel
	})
	require.Error(t, err)

	row := e.QueryRow(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='t'`)
	var n int
	require.NoError(t, row.Scan(&n))
	require.Equal(t, 0, n)
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel failure" }
