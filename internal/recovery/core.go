// Package recovery implements the epoch-based grace/reclaim state
// machine and the per-epoch client recovery tables it drives. Core is
// the single value a daemon shell instantiates once and passes to
// every upcall handler; it owns the storage engine and the in-memory
// (current, recovery) epoch pair that mirrors the on-disk grace row.
package recovery

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/anthropics/nfsdcld-core/internal/domain"
	"github.com/anthropics/nfsdcld-core/internal/schema"
	"github.com/anthropics/nfsdcld-core/internal/storage"
)

// Core ties the storage engine to the in-memory epoch state and
// exposes the six conceptual RPC operations a kernel upcall handler
// drives it through: create, remove, check, grace_start, grace_done,
// iterate_recovery.
//
// All writes to the epoch pair happen on the transaction-commit edge:
// the database is committed first, and only then is the in-memory
// pair assigned. If the commit fails, the in-memory values are left
// untouched.
type Core struct {
	engine *storage.Engine
	table  *tableRepo
	logger *slog.Logger
	dir    string

	state domain.GraceState
}

// Open opens (or creates) the database at directory, brings it up to
// the current schema, and returns a ready Core with its epoch state
// loaded from the grace row.
func Open(ctx context.Context, directory string, busyTimeoutMS, maxSQLLen int, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := storage.Open(directory, busyTimeoutMS, maxSQLLen, logger)
	if err != nil {
		return nil, err
	}

	state, err := schema.Prepare(ctx, engine, logger)
	if err != nil {
		engine.Close()
		return nil, err
	}

	logger.Info("recovery core ready", "current_epoch", state.Current, "recovery_epoch", state.Recovery)

	return &Core{
		engine: engine,
		table:  &tableRepo{engine: engine},
		logger: logger,
		dir:    directory,
		state:  state,
	}, nil
}

// Close releases the underlying database handle.
func (c *Core) Close() error {
	return c.engine.Close()
}

// State returns a copy of the current in-memory epoch pair.
func (c *Core) State() domain.GraceState {
	return c.state
}

// Create records a client identifier in the current epoch. Repeated
// announcements of the same identifier within one epoch are idempotent.
func (c *Core) Create(ctx context.Context, id domain.ClientID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := c.table.insert(ctx, id, c.state.Current); err != nil {
		return err
	}
	c.logger.Debug("create", "epoch", c.state.Current)
	return nil
}

// Remove deletes a client identifier from the current epoch. Removing
// an identifier that is not present is not an error.
func (c *Core) Remove(ctx context.Context, id domain.ClientID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := c.table.remove(ctx, id, c.state.Current); err != nil {
		return err
	}
	c.logger.Debug("remove", "epoch", c.state.Current)
	return nil
}

// Check reports whether id was known to the recovery epoch. On
// success it promotes id into the current epoch (a reclaim). It
// requires an active grace period.
func (c *Core) Check(ctx context.Context, id domain.ClientID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if !c.state.InGrace() {
		return domain.NewCoreError(domain.ErrNotInGrace.Code, "check called outside a grace period")
	}

	n, err := c.table.count(ctx, id, c.state.Recovery)
	if err != nil {
		return err
	}
	if n != 1 {
		c.logger.Debug("check denied", "recovery_epoch", c.state.Recovery)
		return domain.NewCoreError(domain.ErrNotFound.Code, "client is not known to the recovery epoch")
	}

	if err := c.table.insert(ctx, id, c.state.Current); err != nil {
		return err
	}
	c.logger.Debug("check promoted", "from_epoch", c.state.Recovery, "to_epoch", c.state.Current)
	return nil
}

// IterateRecovery invokes cb once per client identifier in the recovery
// epoch's table. It requires an active grace period. The callback must
// not mutate the database.
func (c *Core) IterateRecovery(ctx context.Context, cb func(domain.ClientID) error) error {
	if !c.state.InGrace() {
		return domain.NewCoreError(domain.ErrNotInGrace.Code, "iterate_recovery called outside a grace period")
	}
	return c.table.iterate(ctx, c.state.Recovery, cb)
}

// GraceStart begins or re-enters a grace period.
//
// If recovery == 0 (steady state), this is a normal grace start: the
// current reclaim-eligible set becomes the old current epoch, a new
// current epoch is allocated, and a table is created for it.
//
// If recovery != 0, the server restarted while already in grace: epoch
// values are left untouched and the current epoch's table is emptied,
// discarding whatever partial reclaim progress had been made before the
// restart was observed, without invalidating the recovery epoch.
func (c *Core) GraceStart(ctx context.Context) error {
	var next domain.GraceState

	err := c.engine.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		cur, rec := c.state.Current, c.state.Recovery

		if rec == 0 {
			next = domain.GraceState{Current: cur + 1, Recovery: cur}

			stmt, err := c.engine.FormatSQL(`UPDATE grace SET current = %d, recovery = %d`, int64(next.Current), int64(next.Recovery))
			if err != nil {
				return err
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
			if err := c.table.createTx(ctx, conn, next.Current); err != nil {
				return err
			}
		} else {
			next = domain.GraceState{Current: cur, Recovery: rec}
			if err := c.table.clearTx(ctx, conn, cur); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.state = next
	c.logger.Info("grace_start", "current_epoch", c.state.Current, "recovery_epoch", c.state.Recovery)
	return nil
}

// GraceDone ends the grace period: the recovery epoch's table is
// dropped and recovery is cleared. It requires an active grace period.
func (c *Core) GraceDone(ctx context.Context) error {
	if !c.state.InGrace() {
		return domain.NewCoreError(domain.ErrNotInGrace.Code, "grace_done called outside a grace period")
	}

	recoveryEpoch := c.state.Recovery

	err := c.engine.Transaction(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `UPDATE grace SET recovery = 0`); err != nil {
			return err
		}
		return c.table.dropTx(ctx, conn, recoveryEpoch)
	})
	if err != nil {
		return err
	}

	c.state.Recovery = 0
	c.logger.Info("grace_done", "current_epoch", c.state.Current)
	return nil
}
