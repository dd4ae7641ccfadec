package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/etl-loader/internal/core"
	domainjob "github.com/target/etl-loader/internal/domain/job"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/observability/metrics"
	"github.com/target/etl-loader/internal/observability/notify"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository            // Required: job repository
	Maintenance     core.JobMaintenanceRepository // Optional: enables failing pending jobs on shutdown
	Configs         *ConfigResolver               // Optional: resolves config_name at enqueue time
	DefaultLease    time.Duration                 // Required: default lease duration for jobs
	Logger          *slog.Logger                  // Optional: structured logger
	Metrics         statsd.Sink                   // Optional: job lifecycle metrics
	FailureNotifier *failurenotifier.Service      // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy        // Optional: override default lease policy
	Notifier        domainjob.Notifier            // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions     // Optional: configure default notifier behaviour
	// CancelPendingOnShutdown cancels pending jobs in Shutdown. Queues that do not
	// survive the process (the in-memory backend) should set it.
	CancelPendingOnShutdown bool
}

// JobService is the job queue manager: enqueueing with config resolution,
// reservation under a lease, progress, cancellation and terminal transitions.
type JobService struct {
	repo            core.JobRepository
	maintenance     core.JobMaintenanceRepository
	configs         *ConfigResolver
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	cancelPending     bool
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
			"cancel_pending_on_shutdown", opts.CancelPendingOnShutdown,
		)
	}

	return &JobService{
		repo:            opts.Repo,
		maintenance:     opts.Maintenance,
		configs:         opts.Configs,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		cancelPending:     opts.CancelPendingOnShutdown,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Enqueue validates req and adds it to the queue as a pending job. Load jobs
// naming a configuration get the active version frozen into their parameters.
func (s *JobService) Enqueue(ctx context.Context, req *model.EnqueueJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("enqueue request is required")
	}
	req.Normalize()
	if req.Type == model.JobTypeLoad && s.configs != nil {
		if err := s.freezeConfig(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		s.emit(req.Type, "enqueue", err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	s.emit(job.Type, "enqueue", nil)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job enqueued",
			"id", job.ID,
			"type", job.Type,
			"priority", job.Priority,
			"session_id", job.SessionID,
		)
	}
	return job, nil
}

func (s *JobService) freezeConfig(ctx context.Context, req *model.EnqueueJobRequest) error {
	var params model.LoadParameters
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid load parameters")
	}
	if strings.TrimSpace(params.ConfigName) == "" {
		return nil
	}
	if err := s.configs.Resolve(ctx, &params); err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode resolved parameters: %w", err)
	}
	req.Parameters = raw
	return nil
}

// Get returns a job by its ID.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ReserveNext reserves the best pending job of any of jobTypes for processing.
// It returns model.ErrNoJobsAvailable when the queue has nothing pending.
func (s *JobService) ReserveNext(
	ctx context.Context,
	jobTypes []model.JobType,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"job_types", jobTypes)
	}

	job, err := s.repo.ReserveNext(ctx, jobTypes, decision.Seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	s.emit(job.Type, "reserve", nil)

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"type", job.Type,
			"lease_seconds", decision.Seconds,
		)
	}
	return job, nil
}

// Subscribe creates a subscription for job notifications of the given type.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(jobType)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return s.repo.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}
	return updated, nil
}

// UpdateProgress records progress for a processing job. Progress never decreases.
func (s *JobService) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	if progress < 0 || progress > 100 {
		return false, apperrors.Validationf("progress must be between 0 and 100, got %d", progress)
	}
	updated, err := s.repo.UpdateProgress(ctx, id, progress)
	if err != nil {
		return false, fmt.Errorf("update progress of job %s: %w", id, err)
	}
	return updated, nil
}

// Complete marks a processing job completed and stores result on it.
func (s *JobService) Complete(ctx context.Context, id string, result any) (bool, error) {
	var raw json.RawMessage
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return false, fmt.Errorf("encode result of job %s: %w", id, err)
		}
	}
	completed, err := s.repo.Complete(ctx, id, raw)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}
	return completed, nil
}

// Fail marks a processing job failed with the given error message.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	HistoryID   string
	TargetTable string
	ErrorClass  string
	Metadata    map[string]string
	Severity    string
	OccurredAt  time.Time
}

// FailWithDetails marks a job as failed and propagates optional metadata to the notifier.
func (s *JobService) FailWithDetails(
	ctx context.Context,
	id, errMsg string,
	details JobFailureDetails,
) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier != nil && s.failureNotifier.Enabled() {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "job_id", id, "error", err)
		}
	}

	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	if failed && s.failureNotifier != nil {
		s.failureNotifier.NotifyJobFailure(ctx, buildJobFailurePayload(id, job, errMsg, details))
	}
	return failed, nil
}

func buildJobFailurePayload(id string, job *model.Job, errMsg string, d JobFailureDetails) notify.JobFailurePayload {
	payload := notify.JobFailurePayload{
		JobID:       id,
		HistoryID:   d.HistoryID,
		TargetTable: d.TargetTable,
		Error:       errMsg,
		ErrorClass:  d.ErrorClass,
		Severity:    d.Severity,
		OccurredAt:  d.OccurredAt,
		Metadata:    copyMetadata(d.Metadata),
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now()
	}
	if job != nil {
		payload.JobType = string(job.Type)
		payload.SessionID = job.SessionID
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{
			"priority": fmt.Sprint(job.Priority),
			"progress": fmt.Sprint(job.Progress),
		})
	}
	if payload.ErrorClass != "" {
		payload.Metadata = mergeMetadata(payload.Metadata, map[string]string{"error_class": payload.ErrorClass})
	}
	if len(payload.Metadata) == 0 {
		payload.Metadata = nil
	}
	return payload
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := copyMetadata(base)
	if out == nil && len(extra) == 0 {
		return nil
	}
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// Cancel moves a pending or processing job to cancelled. A processing job
// notices at its next chunk boundary. Cancelling a finished job is an
// IllegalTransition error.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	cancelled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !cancelled {
		job, getErr := s.repo.GetByID(ctx, id)
		if getErr != nil {
			return fmt.Errorf("cancel job %s: %w", id, getErr)
		}
		if domainjob.CanTransition(job.Status, model.JobStatusCancelled) {
			return apperrors.Conflictf("job %s changed state while cancelling", id)
		}
		return apperrors.IllegalTransition(id, string(job.Status), string(model.JobStatusCancelled))
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "id", id)
	}
	return nil
}

// IsCancelled reports whether the job was cancelled.
func (s *JobService) IsCancelled(ctx context.Context, id string) (bool, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get job %s: %w", id, err)
	}
	return job.Status == model.JobStatusCancelled, nil
}

// QueueStatus returns per-status counts and average durations.
func (s *JobService) QueueStatus(ctx context.Context) (*model.QueueStatus, error) {
	st, err := s.repo.QueueStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	return st, nil
}

// Shutdown stops notification listeners and, when configured, cancels every
// pending job so nothing waits on a queue that is going away.
func (s *JobService) Shutdown(ctx context.Context) error {
	s.StopAllListeners()
	if !s.cancelPending || s.maintenance == nil {
		return nil
	}
	n, err := s.maintenance.CancelAllPending(ctx, model.ShutdownMessage)
	if err != nil {
		return fmt.Errorf("cancel pending jobs: %w", err)
	}
	if s.logger != nil && n > 0 {
		s.logger.InfoContext(ctx, "cancelled pending jobs on shutdown", "count", n)
	}
	return nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *JobService) emit(jobType model.JobType, transition string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(jobType),
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}
