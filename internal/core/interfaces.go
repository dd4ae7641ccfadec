// Package core declares the repository ports the load engine's services depend on.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

// JobRepository stores the job queue. Every status change is a
// compare-and-set: the bool result reports whether the guarded row changed.
type JobRepository interface {
	// Create inserts a pending job. A duplicate id yields a DuplicateJob error.
	Create(ctx context.Context, req *model.EnqueueJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ReserveNext moves the highest-priority, oldest pending job whose type is
	// in jobTypes to processing, ordering across all of them at once. It
	// returns model.ErrNoJobsAvailable when nothing matching is pending.
	ReserveNext(ctx context.Context, jobTypes []model.JobType, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error)
	// UpdateProgress never lowers progress and only applies while processing.
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	QueueStatus(ctx context.Context) (*model.QueueStatus, error)
}

// JobMaintenanceRepository holds the bulk operations used by housekeeping and shutdown.
type JobMaintenanceRepository interface {
	// FailExpiredLeases fails processing jobs whose lease ran out.
	FailExpiredLeases(ctx context.Context, limit int) (int64, error)
	// DeleteTerminalBefore removes completed, failed and cancelled jobs finished before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// CancelAllPending cancels every pending job with msg.
	CancelAllPending(ctx context.Context, msg string) (int64, error)
}

// FinalizeLoadParams is the terminal update of a load history row.
type FinalizeLoadParams struct {
	ID              string
	Status          model.LoadStatus
	Counters        model.LoadCounters
	ExecutionTimeMs int64
	ErrorMessage    *string
	// Rollback is stored with the record. When the load completed and the
	// snapshot has segments its state is flipped to active in the same transaction.
	Rollback *model.RollbackData
}

// HistoryRepository stores load history, snapshot segments and rollback records.
type HistoryRepository interface {
	Create(ctx context.Context, rec *model.LoadHistoryRecord) error
	GetByID(ctx context.Context, id string) (*model.LoadHistoryRecord, error)
	UpdateCounters(ctx context.Context, id string, counters model.LoadCounters) error
	// AppendSegment persists the snapshot part of one committed chunk.
	AppendSegment(ctx context.Context, seg model.SnapshotSegment) error
	Finalize(ctx context.Context, params FinalizeLoadParams) error
	ListSegments(ctx context.Context, historyID string) ([]model.SnapshotSegment, error)
	// ClaimSnapshot moves the snapshot from active to restoring.
	ClaimSnapshot(ctx context.Context, historyID string) (bool, error)
	// ReleaseSnapshot moves a claimed snapshot back to active.
	ReleaseSnapshot(ctx context.Context, historyID string) error
	// CompleteRollback marks the claimed snapshot spent and appends rec atomically.
	CompleteRollback(ctx context.Context, rec *model.RollbackRecord) error
	List(ctx context.Context, filter model.HistoryFilter) ([]*model.LoadHistoryRecord, error)
	Statistics(ctx context.Context, since time.Time) (*model.LoadStatistics, error)
}

// HistoryMaintenanceRepository holds snapshot retention operations.
type HistoryMaintenanceRepository interface {
	// ExpireSnapshots moves active snapshots of loads completed before cutoff to expired.
	ExpireSnapshots(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// PurgeSegments deletes segments that can no longer be used by a rollback.
	// Staged segments of loads created before cutoff are treated as orphaned.
	PurgeSegments(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// FindingRepository stores validation findings. Findings are write-once.
type FindingRepository interface {
	InsertFindings(ctx context.Context, findings []model.ValidationFinding) error
	ListBySession(ctx context.Context, sessionID string) ([]model.ValidationFinding, error)
}

// TransformationRepository stores custom transformation definitions.
type TransformationRepository interface {
	Upsert(ctx context.Context, def *model.CustomTransformation) (*model.CustomTransformation, error)
	GetActiveByName(ctx context.Context, name string) (*model.CustomTransformation, error)
	List(ctx context.Context, activeOnly bool) ([]*model.CustomTransformation, error)
}

// ConfigVersionRepository reads and publishes named load configurations.
type ConfigVersionRepository interface {
	GetActive(ctx context.Context, name string) (*model.ConfigVersion, error)
	// Publish stores data as the next version of name and makes it the only active one.
	Publish(ctx context.Context, name string, data json.RawMessage) (*model.ConfigVersion, error)
}

// DatasetRepository reads staged dataset rows in row_index order.
type DatasetRepository interface {
	Count(ctx context.Context, sourceRef string) (int64, error)
	Read(ctx context.Context, sourceRef string, offset int64, limit int) ([]model.Row, error)
}

// StagingRepository writes dataset rows into the staging area.
type StagingRepository interface {
	DatasetRepository
	// Append adds rows after the existing ones and returns how many were written.
	Append(ctx context.Context, sourceRef string, rows []model.Row) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// OutboxRepository persists outbound events for external delivery.
type OutboxRepository interface {
	InsertEvent(ctx context.Context, evt model.Event) error
}

// EventTrigger fans an event out to the configured sinks. Sink errors are
// logged by the implementation and never reach the caller.
type EventTrigger interface {
	Trigger(ctx context.Context, evt model.Event)
}

// JobTracker is the part of the job queue a running job reports to.
type JobTracker interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
}
