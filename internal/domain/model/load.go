package model

import (
	"math"
	"time"
)

// LoadStatus is the lifecycle state of a load history entry.
type LoadStatus string

const (
	LoadStatusPending    LoadStatus = "pending"
	LoadStatusProcessing LoadStatus = "processing"
	LoadStatusCompleted  LoadStatus = "completed"
	LoadStatusFailed     LoadStatus = "failed"
)

// SnapshotState tracks whether a load can still be reversed.
type SnapshotState string

const (
	// SnapshotNone means nothing was captured (no rows written).
	SnapshotNone SnapshotState = "none"
	// SnapshotStaged means segments exist but the load has not completed.
	SnapshotStaged SnapshotState = "staged"
	// SnapshotActive means the load completed and may be rolled back.
	SnapshotActive SnapshotState = "active"
	// SnapshotRestoring means a rollback holds the snapshot.
	SnapshotRestoring SnapshotState = "restoring"
	// SnapshotSpent means a rollback consumed the snapshot.
	SnapshotSpent SnapshotState = "spent"
	// SnapshotExpired means retention purged the snapshot.
	SnapshotExpired SnapshotState = "expired"
)

// RollbackData references the persisted snapshot of a load.
type RollbackData struct {
	State             SnapshotState `json:"state"`
	KeyColumns        []string      `json:"key_columns,omitempty"`
	Columns           []string      `json:"columns,omitempty"`
	SchemaFingerprint string        `json:"schema_fingerprint,omitempty"`
	Segments          int           `json:"segments"`
}

// LoadHistoryRecord is the recorded outcome of one load.
type LoadHistoryRecord struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	JobID           string        `json:"job_id,omitempty"`
	SourceRef       string        `json:"source_ref"`
	TargetTable     string        `json:"target_table"`
	Mode            LoadMode      `json:"mode"`
	TotalRows       int64         `json:"total_rows"`
	InsertedRows    int64         `json:"inserted_rows"`
	UpdatedRows     int64         `json:"updated_rows"`
	ErrorRows       int64         `json:"error_rows"`
	SuccessRate     float64       `json:"success_rate"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	Status          LoadStatus    `json:"status"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	RollbackData    *RollbackData `json:"rollback_data,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// SnapshotState returns the snapshot state, treating a missing reference as none.
func (r *LoadHistoryRecord) SnapshotState() SnapshotState {
	if r == nil || r.RollbackData == nil || r.RollbackData.State == "" {
		return SnapshotNone
	}
	return r.RollbackData.State
}

// LoadCounters accumulates row outcomes while a load runs.
type LoadCounters struct {
	TotalRows    int64 `json:"total_rows"`
	Processed    int64 `json:"processed_rows"`
	InsertedRows int64 `json:"inserted_rows"`
	UpdatedRows  int64 `json:"updated_rows"`
	ErrorRows    int64 `json:"error_rows"`
}

// SuccessRate returns (inserted+updated)/total as a percentage rounded to two decimals.
func SuccessRate(inserted, updated, total int64) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(inserted+updated) / float64(total) * 100
	return math.Round(rate*100) / 100
}

// Progress returns processed/total as a whole percentage in [0,100].
func Progress(processed, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(processed * 100 / total)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// SkippedRow records why a row was not written.
type SkippedRow struct {
	RowIndex int64  `json:"row_index"`
	Column   string `json:"column,omitempty"`
	Step     string `json:"step,omitempty"`
	Reason   string `json:"reason"`
}

// LoadSummary is the job result document for a load job.
type LoadSummary struct {
	HistoryID   string           `json:"history_id"`
	Counters    LoadCounters     `json:"counters"`
	SuccessRate float64          `json:"success_rate"`
	Chunks      int              `json:"chunks"`
	Skipped     []SkippedRow     `json:"skipped,omitempty"`
	Findings    map[Severity]int `json:"findings,omitempty"`
}

// RollbackRecord is appended to history after a successful rollback.
type RollbackRecord struct {
	ID           string    `json:"id"`
	HistoryID    string    `json:"history_id"`
	DeletedRows  int64     `json:"deleted_rows"`
	RestoredRows int64     `json:"restored_rows"`
	CreatedAt    time.Time `json:"created_at"`
}

// RollbackResult is returned by a successful rollback.
type RollbackResult struct {
	HistoryID    string `json:"history_id"`
	RecordID     string `json:"record_id"`
	TargetTable  string `json:"target_table"`
	DeletedRows  int64  `json:"deleted_rows"`
	RestoredRows int64  `json:"restored_rows"`
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	SessionID   string
	TargetTable string
	Status      LoadStatus
	Limit       int
}

// LoadStatistics summarises loads over a period.
type LoadStatistics struct {
	PeriodDays int               `json:"period_days"`
	General    GeneralStatistics `json:"general"`
	ByTable    []TableStatistics `json:"by_table"`
}

// GeneralStatistics are totals across all target tables.
type GeneralStatistics struct {
	TotalLoads         int64   `json:"total_loads"`
	SuccessfulLoads    int64   `json:"successful_loads"`
	FailedLoads        int64   `json:"failed_loads"`
	SuccessPercentage  float64 `json:"success_percentage"`
	AvgSuccessRate     float64 `json:"avg_success_rate"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	TotalRowsProcessed int64   `json:"total_rows_processed"`
	TotalInserted      int64   `json:"total_inserted"`
	TotalUpdated       int64   `json:"total_updated"`
	TotalErrors        int64   `json:"total_errors"`
}

// TableStatistics are per-table load totals.
type TableStatistics struct {
	Table          string     `json:"table"`
	LoadsCount     int64      `json:"loads_count"`
	AvgSuccessRate float64    `json:"avg_success_rate"`
	LastLoad       *time.Time `json:"last_load,omitempty"`
}
