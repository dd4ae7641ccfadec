package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/data/memory"
)

func TestNewRunner_RequiresDBOrRepos(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: config.ReaperConfig{Interval: time.Minute}})
	require.Error(t, err)
}

func TestRunner_RunOnceWithMemoryStores(t *testing.T) {
	clock := data.NewFixedTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	runner, err := NewRunner(RunnerOptions{
		Config:  config.ReaperConfig{Interval: time.Minute, JobMaxAge: time.Hour, SnapshotTTL: time.Hour, StagingMaxAge: time.Hour, BatchSize: 100},
		Jobs:    memory.NewQueue(memory.QueueOptions{TimeProvider: clock}),
		History: memory.NewHistoryStore(clock),
		Staging: memory.NewStagingStore(clock),
		Clock:   clock,
	})
	require.NoError(t, err)

	report, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestRunner_RunOnceWithDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Every step finds the advisory lock held by another instance.
	for range 5 {
		mock.ExpectBegin()
		mock.ExpectQuery("pg_try_advisory_xact_lock").
			WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
		mock.ExpectCommit()
	}

	runner, err := NewRunner(RunnerOptions{
		DB:     db,
		Config: config.ReaperConfig{Interval: time.Minute, JobMaxAge: time.Hour, SnapshotTTL: time.Hour, StagingMaxAge: time.Hour, BatchSize: 100},
	})
	require.NoError(t, err)

	report, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}
