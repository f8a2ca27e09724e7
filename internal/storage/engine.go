// Package storage is the thin wrapper over the embedded, single-file
// transactional store used by the rest of the recovery core. It opens
// the database and provides statement execution and scoped exclusive
// transactions. It does not own the SQL text: the schema and recovery
// packages compose their own statements and run them through this
// package's methods or through the connection a Transaction passes them.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/anthropics/nfsdcld-core/internal/domain"
)

const dbFileName = "main.sqlite"

// Engine wraps a single-connection *sql.DB pointed at main.sqlite.
// Connections are pinned to one so that statements issued as separate
// BEGIN EXCLUSIVE / ... / COMMIT calls land on the same underlying
// connection and behave as one atomic unit, exactly as the caller of
// Transaction expects.
type Engine struct {
	db        *sql.DB
	maxSQLLen int
	logger    *slog.Logger
}

// Open constructs <directory>/main.sqlite, creating the directory
// (mode 0700) if it does not already exist, and opens the database
// with the given busy-timeout. maxSQLLen bounds how large a formatted
// SQL statement may be (see FormatSQL); pass 0 to use PATH_MAX (4096).
func Open(directory string, busyTimeoutMS, maxSQLLen int, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSQLLen <= 0 {
		maxSQLLen = 4096
	}

	path := filepath.Join(directory, dbFileName)

	db, err := openSQLite(path, busyTimeoutMS)
	if err != nil {
		logger.Debug("initial open failed, attempting to create directory", "dir", directory, "error", err)
		if mkErr := mkdirIfNotExist(directory); mkErr != nil {
			return nil, domain.WrapCoreError(domain.ErrStorageUnavailable.Code, "create storage directory", mkErr)
		}

		db, err = openSQLite(path, busyTimeoutMS)
		if err != nil {
			return nil, domain.WrapCoreError(domain.ErrStorageUnavailable.Code, "open database after retry", err)
		}
	}

	db.SetMaxOpenConns(1)

	return &Engine{db: db, maxSQLLen: maxSQLLen, logger: logger}, nil
}

func openSQLite(path string, busyTimeoutMS int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(OFF)", path, busyTimeoutMS)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// mkdirIfNotExist creates dir with mode 0700, ignoring EEXIST unless the
// existing path is not a directory.
func mkdirIfNotExist(dir string) error {
	err := os.Mkdir(dir, 0o700)
	if err != nil && !os.IsExist(err) {
		return err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", dir)
	}
	return nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// FormatSQL formats a SQL statement and rejects it if the result would
// exceed the engine's configured maxSQLLen. Table names derived from
// epoch values cannot be parameter-bound, so they must be formatted
// into the statement text directly. The recovery package formats them
// only through this method, always with names produced by
// domain.RecoveryTableName and never with externally supplied bytes;
// the schema package builds its fixed epoch-1 statements by string
// concatenation, so those are not checked against maxSQLLen.
func (e *Engine) FormatSQL(format string, args ...any) (string, error) {
	stmt := fmt.Sprintf(format, args...)
	if len(stmt) > e.maxSQLLen {
		return "", domain.NewCoreError(domain.ErrFormatOverflow.Code,
			fmt.Sprintf("formatted SQL is %d bytes, limit is %d", len(stmt), e.maxSQLLen))
	}
	return stmt, nil
}

// Exec runs a statement or script that returns no rows, outside any
// explicit transaction.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	return res, nil
}

// QueryRow runs a query expected to return at most one row.
func (e *Engine) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return e.db.QueryRowContext(ctx, query, args...)
}

// Query runs a query and returns the resulting rows. The caller must
// close the returned *sql.Rows.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	return rows, nil
}

// TxFunc is the body of a scoped exclusive transaction. It receives a
// *sql.Conn pinned to the transaction's single underlying connection;
// every statement inside the transaction must be issued through this
// conn, not through the Engine's other methods.
type TxFunc func(ctx context.Context, conn *sql.Conn) error

// Transaction acquires the engine's single connection, issues
// BEGIN EXCLUSIVE TRANSACTION, runs fn, and commits on success or
// rolls back on any error (including a panic recovered and re-thrown
// after rollback). A rollback failure is logged but never masks the
// original error.
func (e *Engine) Transaction(ctx context.Context, fn TxFunc) (err error) {
	conn, connErr := e.db.Conn(ctx)
	if connErr != nil {
		return domain.WrapCoreError(domain.ErrStorageUnavailable.Code, "acquire connection", connErr)
	}
	defer conn.Close()

	if _, beginErr := conn.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION"); beginErr != nil {
		return classifyError(beginErr)
	}

	defer func() {
		if r := recover(); r != nil {
			e.rollback(ctx, conn)
			panic(r)
		}
	}()

	if err = fn(ctx, conn); err != nil {
		e.rollback(ctx, conn)
		return err
	}

	if _, commitErr := conn.ExecContext(ctx, "COMMIT TRANSACTION"); commitErr != nil {
		e.rollback(ctx, conn)
		return classifyError(commitErr)
	}

	return nil
}

func (e *Engine) rollback(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(ctx, "ROLLBACK TRANSACTION"); err != nil {
		e.logger.Error("rollback failed", "error", err)
	}
}

// classifyError maps a busy/locked sqlite error onto domain.ErrContention
// so callers (and ultimately the transport) can tell "try again" apart
// from a hard failure.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if containsBusy(msg) {
		return domain.WrapCoreError(domain.ErrContention.Code, "database busy", err)
	}
	return err
}

func containsBusy(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "database is locked") || strings.Contains(lower, "busy")
}

// IsNotFound reports whether err is sql.ErrNoRows, for callers that
// want to distinguish "no such row" from other query failures without
// importing database/sql themselves.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
