package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
)

// Advisory lock namespace for housekeeping. Two-key pg_try_advisory_xact_lock
// keeps concurrent reapers from fighting over the same batch.
const (
	advisoryLockReaperMajor       = 2000
	advisoryLockReaperLeases      = 1
	advisoryLockReaperDeleteJobs  = 2
	advisoryLockReaperSnapshots   = 3
	advisoryLockReaperSegments    = 4
	advisoryLockReaperStagingRows = 5
)

// withReaperLock runs fn inside a transaction holding the given advisory
// lock. It returns 0 without calling fn when another reaper holds the lock.
func withReaperLock(ctx context.Context, db *sql.DB, minor int, fn func(*sql.Tx) (int64, error)) (int64, error) {
	var affected int64
	err := pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			n, err := fn(tx)
			affected = n
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// FailExpiredLeases fails up to limit processing jobs whose lease ran out.
func (r *JobRepo) FailExpiredLeases(ctx context.Context, limit int) (int64, error) {
	now := r.clock.Now()
	return withReaperLock(ctx, r.DB, advisoryLockReaperLeases, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE etl_job_queue
			SET status = 'failed', error_message = $1, completed_at = $2, updated_at = $2, lease_expires_at = NULL
			WHERE id IN (
				SELECT id FROM etl_job_queue
				WHERE status = 'processing' AND lease_expires_at < $2
				ORDER BY lease_expires_at
				LIMIT $3
			)`, model.LeaseExpiredMessage, now, limit)
		if err != nil {
			return 0, fmt.Errorf("fail expired leases: %w", err)
		}
		return pgxutil.RowsAffected(res, "fail expired leases")
	})
}

// DeleteTerminalBefore deletes up to limit finished jobs completed before cutoff.
func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperDeleteJobs, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM etl_job_queue
			WHERE id IN (
				SELECT id FROM etl_job_queue
				WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
				ORDER BY completed_at
				LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return 0, fmt.Errorf("delete old jobs: %w", err)
		}
		return pgxutil.RowsAffected(res, "delete old jobs")
	})
}

// CancelAllPending cancels every pending job with msg.
func (r *JobRepo) CancelAllPending(ctx context.Context, msg string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE etl_job_queue
		SET status = 'cancelled', error_message = $1, completed_at = $2, updated_at = $2
		WHERE status = 'pending'`, msg, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	return pgxutil.RowsAffected(res, "cancel pending jobs")
}

var _ core.JobMaintenanceRepository = (*JobRepo)(nil)
