package termination

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// recoveryAdvisoryLockKey is an arbitrary fixed key for pg_try_advisory_lock,
// shared by every replica so at most one performs startup recovery
// (spec.md §4.9: "Uses a process-wide advisory lock so only one replica
// performs recovery").
const recoveryAdvisoryLockKey = 0x7275_6e6c_6966

// AdvisoryLocker acquires/releases a Postgres session-level advisory lock.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key int64) (acquired bool, release func(), err error)
}

// dbAdvisoryLocker implements AdvisoryLocker over a *sql.DB: it must hold
// a dedicated connection for the life of the lock, since advisory locks
// are session-scoped.
type dbAdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker builds an AdvisoryLocker over a Postgres connection pool.
func NewAdvisoryLocker(db *sql.DB) AdvisoryLocker {
	return &dbAdvisoryLocker{db: db}
}

func (l *dbAdvisoryLocker) TryLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("acquiring dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, nil, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil, nil
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return true, release, nil
}

// runRecovery marks runs whose heartbeat has gone stale as failed and
// enqueues termination for them. When locker is non-nil, recovery is
// guarded by a Postgres advisory lock so only one replica performs it on a
// multi-replica deployment; a nil locker just runs unguarded (safe, at
// worst redundant with another replica's pass).
func runRecovery(ctx context.Context, store *runstore.Store, owner string, locker AdvisoryLocker) error {
	if locker == nil {
		return recoverStaleRuns(ctx, store, owner)
	}

	acquired, release, err := locker.TryLock(ctx, recoveryAdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquiring recovery advisory lock: %w", err)
	}
	if !acquired {
		slog.Info("termination recovery: another replica holds the advisory lock, skipping")
		return nil
	}
	defer release()

	return recoverStaleRuns(ctx, store, owner)
}

func recoverStaleRuns(ctx context.Context, store *runstore.Store, owner string) error {
	cutoff := time.Now().Add(-HeartbeatTimeout)
	staleIDs, err := store.Runs.ListStaleHeartbeats(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale heartbeats: %w", err)
	}

	for _, runID := range staleIDs {
		failed := models.RunStatusFailed
		msg := "heartbeat_stale"
		if err := store.Runs.UpdateRun(ctx, runID, models.RunPatch{Status: &failed, ErrorMessage: &msg}); err != nil {
			slog.Error("recovery: marking stale run failed", "run_id", runID, "error", err)
			continue
		}
		if err := store.Runs.AppendEvent(ctx, runID, "status_changed", map[string]any{"to_status": string(failed), "error_message": msg}, time.Now()); err != nil {
			slog.Warn("recovery: appending status_changed event failed", "run_id", runID, "error", err)
		}
		if err := store.Terminations.EnqueueTermination(ctx, runID, "heartbeat_stale"); err != nil {
			slog.Error("recovery: enqueueing termination failed", "run_id", runID, "error", err)
		}
	}
	if len(staleIDs) > 0 {
		slog.Info("termination recovery complete", "owner", owner, "recovered", len(staleIDs))
	}
	return nil
}
