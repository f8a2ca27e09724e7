package recovery

import (
	"context"
	"database/sql"

	"github.com/anthropics/nfsdcld-core/internal/domain"
	"github.com/anthropics/nfsdcld-core/internal/storage"
)

// tableRepo issues the per-epoch rec-<hex> statements. Every method
// formats the table name into the statement text (table names cannot be
// parameter-bound) and always binds the client identifier itself as a
// blob parameter, never concatenates it.
type tableRepo struct {
	engine *storage.Engine
}

// insert performs INSERT OR REPLACE against the epoch table, making
// repeated announcements of the same client within one epoch
// idempotent.
func (r *tableRepo) insert(ctx context.Context, id domain.ClientID, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`INSERT OR REPLACE INTO %q VALUES (?)`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = r.engine.Exec(ctx, stmt, []byte(id))
	return err
}

// insertTx is the transactional twin of insert: it issues the same
// statement on a connection that already holds a transaction.
func (r *tableRepo) insertTx(ctx context.Context, conn *sql.Conn, id domain.ClientID, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`INSERT OR REPLACE INTO %q VALUES (?)`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt, []byte(id))
	return err
}

// remove deletes a row from the epoch table. A missing row is not an
// error: the operation must stay idempotent.
func (r *tableRepo) remove(ctx context.Context, id domain.ClientID, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`DELETE FROM %q WHERE id == ?`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = r.engine.Exec(ctx, stmt, []byte(id))
	return err
}

// count returns the number of rows matching id in the epoch table.
func (r *tableRepo) count(ctx context.Context, id domain.ClientID, epoch uint64) (int, error) {
	stmt, err := r.engine.FormatSQL(`SELECT count(*) FROM %q WHERE id == ?`, domain.RecoveryTableName(epoch))
	if err != nil {
		return 0, err
	}
	row := r.engine.QueryRow(ctx, stmt, []byte(id))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// createTx issues CREATE TABLE for a fresh epoch table.
func (r *tableRepo) createTx(ctx context.Context, conn *sql.Conn, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`CREATE TABLE %q (id BLOB PRIMARY KEY)`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt)
	return err
}

// dropTx issues DROP TABLE for an epoch table.
func (r *tableRepo) dropTx(ctx context.Context, conn *sql.Conn, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`DROP TABLE %q`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt)
	return err
}

// clearTx deletes every row from an epoch table without dropping it,
// used by the restart-during-grace path to discard partial reclaim
// progress while preserving the table itself.
func (r *tableRepo) clearTx(ctx context.Context, conn *sql.Conn, epoch uint64) error {
	stmt, err := r.engine.FormatSQL(`DELETE FROM %q`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, stmt)
	return err
}

// iterate runs a synchronous callback for every client identifier in
// the epoch table. Row order is whatever the engine returns; callers
// must not depend on insertion order. The callback must not mutate the
// database: this function materializes nothing, so a mutating callback
// has unspecified effects on the remainder of the iteration.
func (r *tableRepo) iterate(ctx context.Context, epoch uint64, cb func(domain.ClientID) error) error {
	stmt, err := r.engine.FormatSQL(`SELECT * FROM %q`, domain.RecoveryTableName(epoch))
	if err != nil {
		return err
	}
	rows, err := r.engine.Query(ctx, stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if err := cb(domain.ClientID(id)); err != nil {
			return err
		}
	}
	return rows.Err()
}
