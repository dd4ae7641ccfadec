package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	domainjob "github.com/target/etl-loader/internal/domain/job"
	"github.com/target/etl-loader/internal/domain/model"
)

// RepoConfig holds configuration options shared by the Postgres repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

func (c RepoConfig) clock() TimeProvider {
	if c.TimeProvider == nil {
		return RealTimeProvider{}
	}
	return c.TimeProvider
}

func (c RepoConfig) logger(component string) *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// JobRepo is the Postgres-backed job queue.
type JobRepo struct {
	DB     *sql.DB
	clock  TimeProvider
	logger *slog.Logger
}

// NewJobRepo creates a JobRepo over db.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{
		DB:     db,
		clock:  cfg.clock(),
		logger: cfg.logger("job_repo"),
	}
}

const jobColumns = `
  id,
  session_id,
  job_type,
  status,
  priority,
  parameters,
  progress,
  result,
  error_message,
  lease_expires_at,
  created_at,
  started_at,
  completed_at,
  updated_at
`

// notifyChannel is the LISTEN/NOTIFY channel announcing new jobs of jobType.
func notifyChannel(jobType model.JobType) string {
	return "etl_job_added_" + string(jobType)
}

// statusGuard renders the compare-and-set predicate for a move to "to".
// The statuses are package constants, never caller input.
func statusGuard(to model.JobStatus) string {
	from := domainjob.SourcesOf(to)
	quoted := make([]string, 0, len(from))
	for _, s := range from {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return "status IN (" + strings.Join(quoted, ", ") + ")"
}

type rowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	parameters, result           []byte
	errorMessage                 sql.NullString
	leaseExpiresAt               sql.NullTime
	startedAt, completedAt       sql.NullTime
}

func scanJob(scanner rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var d jobRowData
	if err := scanner.Scan(
		&job.ID,
		&job.SessionID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&d.parameters,
		&job.Progress,
		&d.result,
		&d.errorMessage,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&d.startedAt,
		&d.completedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Parameters = cloneJSON(d.parameters)
	if len(d.result) > 0 {
		job.Result = cloneJSON(d.result)
	}
	job.ErrorMessage = cloneNullableString(d.errorMessage)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
