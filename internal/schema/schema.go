// Package schema owns the database file's on-disk layout: detecting
// its version, creating a fresh v3 database, and migrating older
// layouts up to v3 in a single exclusive transaction.
package schema

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"

	"github.com/anthropics/nfsdcld-core/internal/domain"
	"github.com/anthropics/nfsdcld-core/internal/storage"
)

// Prepare guarantees that after it returns successfully the on-disk
// schema at engine's database is at domain.CurrentSchemaVersion, and
// returns the in-memory grace state read from the `grace` row.
func Prepare(ctx context.Context, e *storage.Engine, logger *slog.Logger) (domain.GraceState, error) {
	if logger == nil {
		logger = slog.Default()
	}

	version, err := queryVersion(ctx, e)
	if err != nil {
		return domain.GraceState{}, err
	}

	switch version {
	case domain.SchemaV3:
		logger.Debug("schema already current", "version", version)
	case domain.SchemaV2:
		if err := migrateFrom(ctx, e, domain.SchemaV2, logger); err != nil {
			return domain.GraceState{}, err
		}
	case domain.SchemaV1:
		if err := migrateFrom(ctx, e, domain.SchemaV1, logger); err != nil {
			return domain.GraceState{}, err
		}
	case domain.SchemaNone:
		if err := initFresh(ctx, e, logger); err != nil {
			return domain.GraceState{}, err
		}
	default:
		return domain.GraceState{}, domain.NewCoreError(domain.ErrSchemaUnsupported.Code,
			"unsupported on-disk schema version; refusing to downgrade")
	}

	return queryGrace(ctx, e)
}

// queryVersion reads `parameters.version`. A missing `parameters` table
// (or any other query failure) is treated as schema 0, "no database",
// not as a hard error — a fresh database presents exactly this symptom.
func queryVersion(ctx context.Context, e *storage.Engine) (domain.SchemaVersion, error) {
	row := e.QueryRow(ctx, `SELECT value FROM parameters WHERE key == "version"`)

	var value string
	if err := row.Scan(&value); err != nil {
		return domain.SchemaNone, nil
	}

	return parseVersion(value), nil
}

// parseVersion turns the raw parameters.version string into a
// SchemaVersion. A value that doesn't parse as a non-negative integer
// is treated the same as an unrecognized future version: the caller
// must refuse to proceed rather than guess.
func parseVersion(value string) domain.SchemaVersion {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return domain.SchemaVersion(-1)
	}
	return domain.SchemaVersion(n)
}

// initFresh creates a v3 database from nothing: parameters, grace
// (current=1, recovery=0), and an empty rec-0000000000000001 table.
func initFresh(ctx context.Context, e *storage.Engine, logger *slog.Logger) error {
	return e.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		version, err := recheckVersion(ctx, conn)
		if err != nil {
			return err
		}
		if version == domain.SchemaV3 {
			logger.Debug("raced with another initializer, nothing to do")
			return nil
		}
		if version != domain.SchemaNone {
			return domain.NewCoreError(domain.ErrSchemaMigrationFailed.Code,
				"schema version changed unexpectedly during init")
		}

		stmts := []string{
			`CREATE TABLE parameters (key TEXT PRIMARY KEY, value TEXT)`,
			`CREATE TABLE grace (current INTEGER, recovery INTEGER)`,
			`INSERT INTO grace VALUES (1, 0)`,
			`CREATE TABLE "` + domain.RecoveryTableName(1) + `" (id BLOB PRIMARY KEY)`,
			`INSERT INTO parameters VALUES ("version", "3")`,
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return domain.WrapCoreError(domain.ErrSchemaMigrationFailed.Code, "initialize v3 database", err)
			}
		}
		return nil
	})
}

// migrateFrom upgrades a v1 or v2 database to v3 in one exclusive
// transaction. The 1->3 path carries legacy client identifiers out of
// the old `clients` table into rec-0000000000000001. The 2->3 path is
// a no-op version bump: a true schema-2 database is already shaped
// like v3's grace/rec layout, so nothing but the version marker needs
// to change (see DESIGN.md for how this was established).
func migrateFrom(ctx context.Context, e *storage.Engine, from domain.SchemaVersion, logger *slog.Logger) error {
	return e.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		version, err := recheckVersion(ctx, conn)
		if err != nil {
			return err
		}
		if version == domain.SchemaV3 {
			logger.Debug("raced with another migrator, nothing to do")
			return nil
		}
		if version != from {
			return domain.NewCoreError(domain.ErrSchemaMigrationFailed.Code,
				"schema version changed unexpectedly during migration")
		}

		if from == domain.SchemaV1 {
			stmts := []string{
				`CREATE TABLE grace (current INTEGER, recovery INTEGER)`,
				`INSERT INTO grace VALUES (1, 0)`,
				`CREATE TABLE "` + domain.RecoveryTableName(1) + `" (id BLOB PRIMARY KEY)`,
				`INSERT INTO "` + domain.RecoveryTableName(1) + `" SELECT id FROM clients`,
				`DROP TABLE clients`,
			}
			for _, stmt := range stmts {
				if _, err := conn.ExecContext(ctx, stmt); err != nil {
					return domain.WrapCoreError(domain.ErrSchemaMigrationFailed.Code, "migrate v1 to v3", err)
				}
			}
		}

		if _, err := conn.ExecContext(ctx, `UPDATE parameters SET value = "3" WHERE key = "version"`); err != nil {
			return domain.WrapCoreError(domain.ErrSchemaMigrationFailed.Code, "bump schema version", err)
		}
		return nil
	})
}

// recheckVersion re-reads the schema version from inside an already-open
// transaction, guarding against a racing process having won the setup.
func recheckVersion(ctx context.Context, conn *sql.Conn) (domain.SchemaVersion, error) {
	row := conn.QueryRowContext(ctx, `SELECT value FROM parameters WHERE key == "version"`)
	var value string
	if err := row.Scan(&value); err != nil {
		return domain.SchemaNone, nil
	}
	return parseVersion(value), nil
}

func queryGrace(ctx context.Context, e *storage.Engine) (domain.GraceState, error) {
	row := e.QueryRow(ctx, `SELECT current, recovery FROM grace`)

	var current, recovery int64
	if err := row.Scan(&current, &recovery); err != nil {
		return domain.GraceState{}, domain.WrapCoreError(domain.ErrSchemaMigrationFailed.Code, "read grace row", err)
	}

	return domain.GraceState{Current: uint64(current), Recovery: uint64(recovery)}, nil
}
