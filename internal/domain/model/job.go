// Package model defines the core data types shared by the ETL load engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeLoad runs validation (optional), transformation and a chunked load.
	JobTypeLoad JobType = "load"
	// JobTypeValidate scores a staged dataset without loading it.
	JobTypeValidate JobType = "validate"
	// JobTypeRollback reverses a completed load.
	JobTypeRollback JobType = "rollback"

	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker owns the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled by a caller.
	JobStatusCancelled JobStatus = "cancelled"
)

// Priority bounds accepted at enqueue time.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Messages recorded on jobs by the queue itself.
const (
	CancelledByUserMessage = "Cancelled by user"
	ShutdownMessage        = "Job manager shutdown"
	LeaseExpiredMessage    = "worker lease expired"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeLoad || t == JobTypeValidate || t == JobTypeRollback
}

// AllJobTypes lists every job type a runner can process.
func AllJobTypes() []JobType {
	return []JobType{JobTypeLoad, JobTypeValidate, JobTypeRollback}
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents a queued unit of ETL work.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	SessionID      string          `json:"session_id"                 db:"session_id"`
	Type           JobType         `json:"type"                       db:"job_type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Parameters     json.RawMessage `json:"parameters"                 db:"parameters"`
	Progress       int             `json:"progress"                   db:"progress"`
	Result         json.RawMessage `json:"result,omitempty"           db:"result"`
	ErrorMessage   *string         `json:"error_message,omitempty"    db:"error_message"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate queue-owned state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Parameters = append(json.RawMessage(nil), j.Parameters...)
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	cp.ErrorMessage = cloneStringPtr(j.ErrorMessage)
	cp.LeaseExpiresAt = cloneTimePtr(j.LeaseExpiresAt)
	cp.StartedAt = cloneTimePtr(j.StartedAt)
	cp.CompletedAt = cloneTimePtr(j.CompletedAt)
	return &cp
}

// EnqueueJobRequest represents a request to enqueue a new job.
type EnqueueJobRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID         string          `json:"id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Type       JobType         `json:"type"`
	Priority   int             `json:"priority,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

// Validate validates the request including its typed parameters.
func (r *EnqueueJobRequest) Validate() error {
	if r == nil {
		return errors.New("enqueue request is required")
	}
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return errors.New("job id must be a valid UUID")
		}
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	if len(r.Parameters) == 0 {
		return errors.New("parameters are required")
	}
	return ValidateJobParameters(r.Type, r.Parameters)
}

// Normalize fills generated fields. It is safe to call more than once.
func (r *EnqueueJobRequest) Normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SessionID == "" {
		r.SessionID = r.ID
	}
}

// StatusSummary describes the jobs in one status for queue reporting.
type StatusSummary struct {
	Count              int     `json:"count"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// QueueStatus is a point-in-time summary of the job queue.
type QueueStatus struct {
	Statuses map[JobStatus]StatusSummary `json:"status"`
	Workers  int                         `json:"workers,omitempty"`
}

// Total returns the number of jobs across all statuses.
func (q QueueStatus) Total() int {
	total := 0
	for _, s := range q.Statuses {
		total += s.Count
	}
	return total
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
