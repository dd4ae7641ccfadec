package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

const reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM etl_job_queue
    WHERE job_type = ANY($1::text[]) AND status = 'pending'
    ORDER BY priority DESC, created_at ASC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE etl_job_queue j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.session_id, j.job_type, j.status, j.priority, j.parameters, j.progress, j.result,
    j.error_message, j.lease_expires_at, j.created_at, j.started_at, j.completed_at, j.updated_at`

// Create inserts a pending job and notifies listeners of its type.
func (r *JobRepo) Create(ctx context.Context, req *model.EnqueueJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job")
	}

	now := r.clock.Now()
	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO etl_job_queue (id, session_id, job_type, status, priority, parameters, created_at, updated_at)
				VALUES ($1, $2, $3, 'pending', $4, $5, $6, $6)
				RETURNING `+jobColumns,
				req.ID, req.SessionID, req.Type, req.Priority, []byte(req.Parameters), now,
			)
			var scanErr error
			job, scanErr = scanJob(row)
			if scanErr != nil {
				return scanErr
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, notifyChannel(req.Type), job.ID); err != nil {
				return fmt.Errorf("send job notification: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		if apperrors.IsConflict(apperrors.MapDBError(err)) {
			return nil, apperrors.DuplicateJob(req.ID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM etl_job_queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ReserveNext atomically claims the best pending job whose type is in
// jobTypes. Priority and age decide across types, not the order of jobTypes.
func (r *JobRepo) ReserveNext(ctx context.Context, jobTypes []model.JobType, leaseSeconds int) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	now := r.clock.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	job, err := scanJob(r.DB.QueryRowContext(ctx, reserveNextSQL, typeArray(jobTypes), now, lease))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	return job, nil
}

// typeArray renders jobTypes as a text[] literal. Job types are validated
// identifiers, so no element needs quoting.
func typeArray(jobTypes []model.JobType) string {
	parts := make([]string, len(jobTypes))
	for i, t := range jobTypes {
		parts[i] = string(t)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// WaitForNotification blocks until a job of jobType is announced or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	channel := notifyChannel(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	return pgxutil.WithPgxConn(ctx, r.DB, func(_ *sql.Conn, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+quoted); err != nil {
				r.logger.Warn("unlisten failed", "channel", channel, "error", err)
			}
		}()
		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

func (r *JobRepo) execCAS(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := pgxutil.RowsAffected(res, op)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Heartbeat extends the lease of a processing job.
func (r *JobRepo) Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error) {
	now := r.clock.Now()
	return r.execCAS(ctx, "heartbeat", `
		UPDATE etl_job_queue
		SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, now.Add(time.Duration(leaseSeconds)*time.Second), now)
}

// UpdateProgress raises the progress of a processing job.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	return r.execCAS(ctx, "update progress", `
		UPDATE etl_job_queue
		SET progress = GREATEST(progress, $2), updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, clampProgress(progress), r.clock.Now())
}

// Complete moves a processing job to completed and stores its result.
func (r *JobRepo) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	return r.execCAS(ctx, "complete job", `
		UPDATE etl_job_queue
		SET status = 'completed', progress = 100, result = $2, completed_at = $3, updated_at = $3, lease_expires_at = NULL
		WHERE id = $1 AND `+statusGuard(model.JobStatusCompleted),
		id, payload, r.clock.Now())
}

// Fail moves a processing job to failed.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return r.execCAS(ctx, "fail job", `
		UPDATE etl_job_queue
		SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3, lease_expires_at = NULL
		WHERE id = $1 AND `+statusGuard(model.JobStatusFailed),
		id, errMsg, r.clock.Now())
}

// Cancel moves a pending or processing job to cancelled. A processing job's
// worker observes the change at its next chunk boundary.
func (r *JobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	return r.execCAS(ctx, "cancel job", `
		UPDATE etl_job_queue
		SET status = 'cancelled', error_message = $2, completed_at = $3, updated_at = $3, lease_expires_at = NULL
		WHERE id = $1 AND `+statusGuard(model.JobStatusCancelled),
		id, model.CancelledByUserMessage, r.clock.Now())
}

// QueueStatus summarises the queue per status.
func (r *JobRepo) QueueStatus(ctx context.Context) (*model.QueueStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)::float8
		FROM etl_job_queue
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	defer rows.Close()

	out := &model.QueueStatus{Statuses: make(map[model.JobStatus]model.StatusSummary)}
	for rows.Next() {
		var (
			status model.JobStatus
			sum    model.StatusSummary
		)
		if err := rows.Scan(&status, &sum.Count, &sum.AvgDurationSeconds); err != nil {
			return nil, fmt.Errorf("scan queue status: %w", err)
		}
		out.Statuses[status] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue status: %w", err)
	}
	return out, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

var _ core.JobRepository = (*JobRepo)(nil)
