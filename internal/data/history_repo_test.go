package data

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

const testHistoryID = "0b1c2d3e-4f50-4617-8293-a4b5c6d7e8f9"

func newMockHistoryRepo(t *testing.T) (*HistoryRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewHistoryRepo(db, RepoConfig{TimeProvider: NewFixedTimeProvider(fixedNow)}), mock
}

func historyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "job_id", "source_ref", "target_table", "mode",
		"total_rows", "inserted_rows", "updated_rows", "error_rows", "success_rate", "execution_time_ms",
		"status", "error_message", "snapshot_state", "rollback_data", "created_at", "completed_at",
	})
}

func TestHistoryRepo_GetByID(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	rd := []byte(`{"state":"active","key_columns":["id"],"schema_fingerprint":"abc","segments":2}`)
	mock.ExpectQuery(`FROM etl_load_history WHERE id = \$1`).WithArgs(testHistoryID).WillReturnRows(
		historyRows().AddRow(
			testHistoryID, "s1", nil, "orders", "orders", "insert",
			10, 10, 0, 0, 100.0, 42,
			"completed", nil, "spent", rd, fixedNow, fixedNow,
		))

	rec, err := repo.GetByID(context.Background(), testHistoryID)
	require.NoError(t, err)
	assert.Empty(t, rec.JobID)
	assert.Equal(t, model.SnapshotSpent, rec.SnapshotState(), "column state wins over the stored document")
	assert.Equal(t, []string{"id"}, rec.RollbackData.KeyColumns)
	assert.Equal(t, 100.0, rec.SuccessRate)
}

func TestHistoryRepo_AppendSegment(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	seg := model.SnapshotSegment{
		HistoryID:  testHistoryID,
		ChunkIndex: 1,
		Inserted:   []model.RowImage{{"id": {T: model.KindInt, V: "5"}}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO etl_rollback_snapshots`).
		WithArgs(testHistoryID, 1, []byte(`[{"id":{"t":"int","v":"5"}}]`), []byte(`[]`), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET snapshot_state = 'staged'`).WithArgs(testHistoryID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendSegment(context.Background(), seg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepo_Finalize(t *testing.T) {
	t.Run("completed stores rollback reference", func(t *testing.T) {
		repo, mock := newMockHistoryRepo(t)
		rd := &model.RollbackData{State: model.SnapshotActive, KeyColumns: []string{"id"}, Segments: 3}
		raw, _ := json.Marshal(rd)

		mock.ExpectExec(`WHEN \$2 = 'completed' AND snapshot_state = 'staged' THEN 'active'`).
			WithArgs(testHistoryID, "completed", 10, 8, 2, 0, 100.0, 1200, nil, raw, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Finalize(context.Background(), core.FinalizeLoadParams{
			ID:              testHistoryID,
			Status:          model.LoadStatusCompleted,
			Counters:        model.LoadCounters{TotalRows: 10, InsertedRows: 8, UpdatedRows: 2},
			ExecutionTimeMs: 1200,
			Rollback:        rd,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed load drops the rollback reference", func(t *testing.T) {
		repo, mock := newMockHistoryRepo(t)
		msg := "error-rate ceiling exceeded"
		mock.ExpectExec(`UPDATE etl_load_history`).
			WithArgs(testHistoryID, "failed", 4, 1, 0, 3, 25.0, 10, msg, nil, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Finalize(context.Background(), core.FinalizeLoadParams{
			ID:              testHistoryID,
			Status:          model.LoadStatusFailed,
			Counters:        model.LoadCounters{TotalRows: 4, InsertedRows: 1, ErrorRows: 3},
			ExecutionTimeMs: 10,
			ErrorMessage:    &msg,
			Rollback:        &model.RollbackData{State: model.SnapshotStaged},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already finalized", func(t *testing.T) {
		repo, mock := newMockHistoryRepo(t)
		mock.ExpectExec(`UPDATE etl_load_history`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Finalize(context.Background(), core.FinalizeLoadParams{ID: testHistoryID, Status: model.LoadStatusFailed})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestHistoryRepo_ClaimSnapshot(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	mock.ExpectExec(`SET snapshot_state = 'restoring'.*status = 'completed' AND snapshot_state = 'active'`).
		WithArgs(testHistoryID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET snapshot_state = 'restoring'`).
		WithArgs(testHistoryID).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ClaimSnapshot(context.Background(), testHistoryID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimSnapshot(context.Background(), testHistoryID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryRepo_CompleteRollback(t *testing.T) {
	t.Run("spent and record in one transaction", func(t *testing.T) {
		repo, mock := newMockHistoryRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SET snapshot_state = 'spent'`).WithArgs(testHistoryID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO etl_rollback_records`).
			WithArgs("rec-1", testHistoryID, 3, 0, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := repo.CompleteRollback(context.Background(), &model.RollbackRecord{
			ID: "rec-1", HistoryID: testHistoryID, DeletedRows: 3,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unclaimed snapshot writes nothing", func(t *testing.T) {
		repo, mock := newMockHistoryRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SET snapshot_state = 'spent'`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.CompleteRollback(context.Background(), &model.RollbackRecord{ID: "rec-2", HistoryID: testHistoryID})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHistoryRepo_ListSegments(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	mock.ExpectQuery(`FROM etl_rollback_snapshots`).WithArgs(testHistoryID).WillReturnRows(
		sqlmock.NewRows([]string{"chunk_index", "inserted", "pre_images"}).
			AddRow(0, []byte(`[]`), []byte(`[{"id":{"t":"int","v":"1"},"name":{"t":"string","v":"a"}}]`)).
			AddRow(1, []byte(`[{"id":{"t":"int","v":"9"}}]`), []byte(`[]`)),
	)

	segs, err := repo.ListSegments(context.Background(), testHistoryID)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "a", segs[0].PreImages[0]["name"].V)
	assert.Equal(t, model.KindInt, segs[1].Inserted[0]["id"].T)
}

func TestHistoryRepo_ListBuildsFilters(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	mock.ExpectQuery(`FROM "etl_load_history" WHERE "target_table" = \$1 AND "status" = \$2 ORDER BY "created_at" DESC LIMIT \$3`).
		WithArgs("orders", "completed", 50).
		WillReturnRows(historyRows())

	out, err := repo.List(context.Background(), model.HistoryFilter{TargetTable: "orders", Status: model.LoadStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepo_PurgeSegments(t *testing.T) {
	repo, mock := newMockHistoryRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`pg_try_advisory_xact_lock`).
		WithArgs(advisoryLockReaperMajor, advisoryLockReaperSegments).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectExec(`SET snapshot_state = 'none'`).WithArgs(fixedNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM etl_rollback_snapshots`).WithArgs(100).WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	n, err := repo.PurgeSegments(context.Background(), fixedNow, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
