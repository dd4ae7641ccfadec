package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/database"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

// HistoryRepo stores load history, snapshot segments and rollback records in Postgres.
type HistoryRepo struct {
	DB     *sql.DB
	clock  TimeProvider
	logger *slog.Logger
}

// NewHistoryRepo creates a HistoryRepo over db.
func NewHistoryRepo(db *sql.DB, cfg RepoConfig) *HistoryRepo {
	return &HistoryRepo{DB: db, clock: cfg.clock(), logger: cfg.logger("history_repo")}
}

const historyColumns = `
  id, session_id, job_id, source_ref, target_table, mode,
  total_rows, inserted_rows, updated_rows, error_rows, success_rate::float8, execution_time_ms,
  status, error_message, snapshot_state, rollback_data, created_at, completed_at
`

func scanHistory(scanner rowScanner) (*model.LoadHistoryRecord, error) {
	var (
		rec          model.LoadHistoryRecord
		jobID        sql.NullString
		errMsg       sql.NullString
		state        string
		rollbackJSON []byte
		completedAt  sql.NullTime
	)
	if err := scanner.Scan(
		&rec.ID, &rec.SessionID, &jobID, &rec.SourceRef, &rec.TargetTable, &rec.Mode,
		&rec.TotalRows, &rec.InsertedRows, &rec.UpdatedRows, &rec.ErrorRows, &rec.SuccessRate, &rec.ExecutionTimeMs,
		&rec.Status, &errMsg, &state, &rollbackJSON, &rec.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	rec.JobID = jobID.String
	rec.ErrorMessage = cloneNullableString(errMsg)
	rec.CompletedAt = cloneNullableTime(completedAt)

	rd := &model.RollbackData{}
	if len(rollbackJSON) > 0 {
		if err := json.Unmarshal(rollbackJSON, rd); err != nil {
			return nil, fmt.Errorf("decode rollback_data: %w", err)
		}
	}
	// snapshot_state is authoritative; rollback_data only carries the reference.
	rd.State = model.SnapshotState(state)
	rec.RollbackData = rd
	return &rec, nil
}

// Create inserts a history row in processing state.
func (r *HistoryRepo) Create(ctx context.Context, rec *model.LoadHistoryRecord) error {
	if rec == nil {
		return errors.New("history record is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock.Now()
	}
	if rec.Status == "" {
		rec.Status = model.LoadStatusProcessing
	}
	jobID := sql.NullString{String: rec.JobID, Valid: rec.JobID != ""}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO etl_load_history (id, session_id, job_id, source_ref, target_table, mode, total_rows, status, snapshot_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'none', $9)`,
		rec.ID, rec.SessionID, jobID, rec.SourceRef, rec.TargetTable, rec.Mode, rec.TotalRows, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create load history: %w", apperrors.MapDBError(err))
	}
	return nil
}

// GetByID retrieves a history record.
func (r *HistoryRepo) GetByID(ctx context.Context, id string) (*model.LoadHistoryRecord, error) {
	rec, err := scanHistory(r.DB.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM etl_load_history WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("load history %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get load history: %w", err)
	}
	return rec, nil
}

// UpdateCounters writes the running counters of an in-flight load.
func (r *HistoryRepo) UpdateCounters(ctx context.Context, id string, c model.LoadCounters) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE etl_load_history
		SET total_rows = $2, inserted_rows = $3, updated_rows = $4, error_rows = $5, success_rate = $6
		WHERE id = $1 AND status = 'processing'`,
		id, c.TotalRows, c.InsertedRows, c.UpdatedRows, c.ErrorRows,
		model.SuccessRate(c.InsertedRows, c.UpdatedRows, c.TotalRows))
	if err != nil {
		return fmt.Errorf("update load counters: %w", err)
	}
	return nil
}

// AppendSegment stores the snapshot part of one committed chunk and marks
// the snapshot staged.
func (r *HistoryRepo) AppendSegment(ctx context.Context, seg model.SnapshotSegment) error {
	inserted, err := json.Marshal(nonNilImages(seg.Inserted))
	if err != nil {
		return fmt.Errorf("encode inserted keys: %w", err)
	}
	pre, err := json.Marshal(nonNilImages(seg.PreImages))
	if err != nil {
		return fmt.Errorf("encode pre-images: %w", err)
	}

	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO etl_rollback_snapshots (history_id, chunk_index, inserted, pre_images, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (history_id, chunk_index)
				DO UPDATE SET inserted = EXCLUDED.inserted, pre_images = EXCLUDED.pre_images`,
				seg.HistoryID, seg.ChunkIndex, inserted, pre, r.clock.Now()); err != nil {
				return fmt.Errorf("append snapshot segment: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE etl_load_history SET snapshot_state = 'staged'
				WHERE id = $1 AND snapshot_state = 'none'`, seg.HistoryID); err != nil {
				return fmt.Errorf("stage snapshot: %w", err)
			}
			return nil
		},
	})
}

// Finalize records the terminal state of a load. A completed load with a
// staged snapshot becomes rollbackable in the same statement; any other
// outcome leaves nothing to roll back.
func (r *HistoryRepo) Finalize(ctx context.Context, p core.FinalizeLoadParams) error {
	var rollbackJSON any
	if p.Rollback != nil && p.Status == model.LoadStatusCompleted {
		raw, err := json.Marshal(p.Rollback)
		if err != nil {
			return fmt.Errorf("encode rollback data: %w", err)
		}
		rollbackJSON = raw
	}
	c := p.Counters
	res, err := r.DB.ExecContext(ctx, `
		UPDATE etl_load_history
		SET status = $2,
		    total_rows = $3, inserted_rows = $4, updated_rows = $5, error_rows = $6,
		    success_rate = $7, execution_time_ms = $8, error_message = $9,
		    rollback_data = $10, completed_at = $11,
		    snapshot_state = CASE
		        WHEN $2 = 'completed' AND snapshot_state = 'staged' THEN 'active'
		        WHEN $2 = 'completed' THEN snapshot_state
		        ELSE 'none'
		    END
		WHERE id = $1 AND status = 'processing'`,
		p.ID, string(p.Status), c.TotalRows, c.InsertedRows, c.UpdatedRows, c.ErrorRows,
		model.SuccessRate(c.InsertedRows, c.UpdatedRows, c.TotalRows), p.ExecutionTimeMs,
		nullString(p.ErrorMessage), rollbackJSON, r.clock.Now())
	if err != nil {
		return fmt.Errorf("finalize load history: %w", err)
	}
	n, err := pgxutil.RowsAffected(res, "finalize load history")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Conflictf("load history %s is not in progress", p.ID)
	}
	return nil
}

// ListSegments returns the snapshot segments of a load in chunk order.
func (r *HistoryRepo) ListSegments(ctx context.Context, historyID string) ([]model.SnapshotSegment, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT chunk_index, inserted, pre_images
		FROM etl_rollback_snapshots
		WHERE history_id = $1
		ORDER BY chunk_index`, historyID)
	if err != nil {
		return nil, fmt.Errorf("list snapshot segments: %w", err)
	}
	defer rows.Close()

	var out []model.SnapshotSegment
	for rows.Next() {
		seg := model.SnapshotSegment{HistoryID: historyID}
		var inserted, pre []byte
		if err := rows.Scan(&seg.ChunkIndex, &inserted, &pre); err != nil {
			return nil, fmt.Errorf("scan snapshot segment: %w", err)
		}
		if err := json.Unmarshal(inserted, &seg.Inserted); err != nil {
			return nil, fmt.Errorf("decode inserted keys of chunk %d: %w", seg.ChunkIndex, err)
		}
		if err := json.Unmarshal(pre, &seg.PreImages); err != nil {
			return nil, fmt.Errorf("decode pre-images of chunk %d: %w", seg.ChunkIndex, err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot segments: %w", err)
	}
	return out, nil
}

// ClaimSnapshot moves an active snapshot of a completed load to restoring.
func (r *HistoryRepo) ClaimSnapshot(ctx context.Context, historyID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE etl_load_history SET snapshot_state = 'restoring'
		WHERE id = $1 AND status = 'completed' AND snapshot_state = 'active'`, historyID)
	if err != nil {
		return false, fmt.Errorf("claim snapshot: %w", err)
	}
	n, err := pgxutil.RowsAffected(res, "claim snapshot")
	return n == 1, err
}

// ReleaseSnapshot returns a claimed snapshot to active.
func (r *HistoryRepo) ReleaseSnapshot(ctx context.Context, historyID string) error {
	if _, err := r.DB.ExecContext(ctx, `
		UPDATE etl_load_history SET snapshot_state = 'active'
		WHERE id = $1 AND snapshot_state = 'restoring'`, historyID); err != nil {
		return fmt.Errorf("release snapshot: %w", err)
	}
	return nil
}

// CompleteRollback marks the claimed snapshot spent and appends rec.
func (r *HistoryRepo) CompleteRollback(ctx context.Context, rec *model.RollbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock.Now()
	}
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE etl_load_history SET snapshot_state = 'spent', rollback_data = NULL
				WHERE id = $1 AND snapshot_state = 'restoring'`, rec.HistoryID)
			if err != nil {
				return fmt.Errorf("mark snapshot spent: %w", err)
			}
			n, err := pgxutil.RowsAffected(res, "mark snapshot spent")
			if err != nil {
				return err
			}
			if n == 0 {
				return apperrors.Conflictf("snapshot of load %s is not claimed", rec.HistoryID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO etl_rollback_records (id, history_id, deleted_rows, restored_rows, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				rec.ID, rec.HistoryID, rec.DeletedRows, rec.RestoredRows, rec.CreatedAt); err != nil {
				return fmt.Errorf("insert rollback record: %w", err)
			}
			return nil
		},
	})
}

// List returns history records, newest first.
func (r *HistoryRepo) List(ctx context.Context, f model.HistoryFilter) ([]*model.LoadHistoryRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query, args := database.BuildListQuery(database.NewListQueryOptions("etl_load_history",
		database.WithSelect(historyColumns),
		database.WithCondition(database.WhereCond("session_id", database.Equal, f.SessionID)),
		database.WithCondition(database.WhereCond("target_table", database.Equal, f.TargetTable)),
		database.WithCondition(database.WhereCond("status", database.Equal, string(f.Status))),
		database.WithOrderBy("created_at", "DESC"),
		database.WithLimit(limit),
	))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list load history: %w", err)
	}
	defer rows.Close()

	var out []*model.LoadHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Statistics aggregates loads created since the given time.
func (r *HistoryRepo) Statistics(ctx context.Context, since time.Time) (*model.LoadStatistics, error) {
	stats := &model.LoadStatistics{}
	g := &stats.General
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(AVG(success_rate), 0)::float8,
		       COALESCE(AVG(execution_time_ms), 0)::float8,
		       COALESCE(SUM(total_rows), 0),
		       COALESCE(SUM(inserted_rows), 0),
		       COALESCE(SUM(updated_rows), 0),
		       COALESCE(SUM(error_rows), 0)
		FROM etl_load_history
		WHERE created_at >= $1`, since).Scan(
		&g.TotalLoads, &g.SuccessfulLoads, &g.FailedLoads, &g.AvgSuccessRate, &g.AvgExecutionTimeMs,
		&g.TotalRowsProcessed, &g.TotalInserted, &g.TotalUpdated, &g.TotalErrors,
	)
	if err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}
	if g.TotalLoads > 0 {
		g.SuccessPercentage = float64(g.SuccessfulLoads) / float64(g.TotalLoads) * 100
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT target_table, COUNT(*), COALESCE(AVG(success_rate), 0)::float8, MAX(created_at)
		FROM etl_load_history
		WHERE created_at >= $1
		GROUP BY target_table
		ORDER BY COUNT(*) DESC, target_table`, since)
	if err != nil {
		return nil, fmt.Errorf("table statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ts   model.TableStatistics
			last sql.NullTime
		)
		if err := rows.Scan(&ts.Table, &ts.LoadsCount, &ts.AvgSuccessRate, &last); err != nil {
			return nil, fmt.Errorf("scan table statistics: %w", err)
		}
		ts.LastLoad = cloneNullableTime(last)
		stats.ByTable = append(stats.ByTable, ts)
	}
	return stats, rows.Err()
}

// ExpireSnapshots retires active snapshots of loads completed before cutoff.
func (r *HistoryRepo) ExpireSnapshots(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperSnapshots, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE etl_load_history SET snapshot_state = 'expired', rollback_data = NULL
			WHERE id IN (
				SELECT id FROM etl_load_history
				WHERE snapshot_state = 'active' AND completed_at < $1
				ORDER BY completed_at
				LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return 0, fmt.Errorf("expire snapshots: %w", err)
		}
		return pgxutil.RowsAffected(res, "expire snapshots")
	})
}

// PurgeSegments deletes segments no rollback can use. Staged snapshots of
// loads created before cutoff belong to loads that never finished and are
// abandoned first.
func (r *HistoryRepo) PurgeSegments(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperSegments, func(tx *sql.Tx) (int64, error) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE etl_load_history SET snapshot_state = 'none'
			WHERE snapshot_state = 'staged' AND status <> 'completed' AND created_at < $1`, cutoff); err != nil {
			return 0, fmt.Errorf("abandon staged snapshots: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM etl_rollback_snapshots
			WHERE (history_id, chunk_index) IN (
				SELECT s.history_id, s.chunk_index
				FROM etl_rollback_snapshots s
				JOIN etl_load_history h ON h.id = s.history_id
				WHERE h.snapshot_state IN ('none', 'spent', 'expired')
				LIMIT $1
			)`, limit)
		if err != nil {
			return 0, fmt.Errorf("purge snapshot segments: %w", err)
		}
		return pgxutil.RowsAffected(res, "purge snapshot segments")
	})
}

func nonNilImages(in []model.RowImage) []model.RowImage {
	if in == nil {
		return []model.RowImage{}
	}
	return in
}

var (
	_ core.HistoryRepository            = (*HistoryRepo)(nil)
	_ core.HistoryMaintenanceRepository = (*HistoryRepo)(nil)
)
