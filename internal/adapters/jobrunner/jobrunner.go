// Package jobrunner runs the worker pool that executes queued load, validate and rollback jobs.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/loader"
	obserrors "github.com/target/etl-loader/internal/observability/errors"
	"github.com/target/etl-loader/internal/observability/metrics"
	"github.com/target/etl-loader/internal/observability/notify"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/rollback"
	"github.com/target/etl-loader/internal/service"
	"github.com/target/etl-loader/internal/validation"
)

// Outcome is what a handler reports about a finished job.
type Outcome struct {
	// Result is stored on the job when it completes.
	Result      any
	HistoryID   string
	TargetTable string
}

// HandlerFunc processes one reserved job.
type HandlerFunc func(ctx context.Context, job *model.Job) (Outcome, error)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs   *service.JobService
	Logger *slog.Logger

	Loader    *loader.Executor
	Validator *validation.Service
	Rollback  *rollback.Manager
	// Events receives validation outcomes of validate jobs.
	Events  core.EventTrigger
	Metrics statsd.Sink

	Lease        time.Duration // defaults to 60s
	Concurrency  int           // defaults to 4
	PollInterval time.Duration // defaults to 1s
	JobTypes     []model.JobType
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs      *service.JobService
	loader    *loader.Executor
	validator *validation.Service
	rollback  *rollback.Manager
	events    core.EventTrigger
	logger    *slog.Logger
	metrics   statsd.Sink
	lease     time.Duration
	workers   int
	poll      time.Duration
	jobTypes  []model.JobType
	handlers  map[model.JobType]HandlerFunc
}

// NewRunner constructs a runner. Handlers are registered for every engine
// component provided; job types without a handler fail when reserved.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 60 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 4
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	var jobTypes []model.JobType
	for _, jt := range opts.JobTypes {
		if !jt.Valid() {
			return nil, fmt.Errorf("invalid job type %q", jt)
		}
		jobTypes = append(jobTypes, jt)
	}
	if len(jobTypes) == 0 {
		jobTypes = model.AllJobTypes()
	}

	r := &Runner{
		jobs:      opts.Jobs,
		loader:    opts.Loader,
		validator: opts.Validator,
		rollback:  opts.Rollback,
		events:    opts.Events,
		logger:    logger.With("component", "job_runner"),
		metrics:   opts.Metrics,
		lease:     lease,
		workers:   workers,
		poll:      poll,
		jobTypes:  jobTypes,
		handlers:  make(map[model.JobType]HandlerFunc),
	}
	if r.loader != nil {
		r.handlers[model.JobTypeLoad] = r.handleLoadJob
	}
	if r.validator != nil {
		r.handlers[model.JobTypeValidate] = r.handleValidateJob
	}
	if r.rollback != nil {
		r.handlers[model.JobTypeRollback] = r.handleRollbackJob
	}
	for _, jt := range jobTypes {
		if _, ok := r.handlers[jt]; !ok {
			r.logger.Warn("no handler configured; jobs of this type will fail", "job_type", jt)
		}
	}
	return r, nil
}

// Register replaces the handler of jobType.
func (r *Runner) Register(jobType model.JobType, h HandlerFunc) {
	r.handlers[jobType] = h
}

// Run starts the workers and processes jobs until ctx is cancelled. The first
// worker error stops every worker.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"types", r.jobTypes,
		"workers", r.workers,
		"lease", r.lease,
	)

	g, gctx := errgroup.WithContext(ctx)

	wake := make(chan struct{}, r.workers)
	for _, jt := range r.jobTypes {
		unsub, ch := r.jobs.Subscribe(jt)
		defer unsub()
		g.Go(func() error {
			forwardWakeups(gctx, ch, wake)
			return nil
		})
	}

	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, wake)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// forwardWakeups copies notifications from one job type onto the shared wake channel.
func forwardWakeups(ctx context.Context, in <-chan struct{}, out chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Runner) workerLoop(ctx context.Context, wake <-chan struct{}) error {
	for ctx.Err() == nil {
		found, err := r.pollOnce(ctx)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if !r.waitForWork(ctx, wake) {
			return nil
		}
	}
	return nil
}

// pollOnce reserves and processes at most one job. The queue picks across
// every handled type by priority and age.
func (r *Runner) pollOnce(ctx context.Context) (bool, error) {
	job, err := r.jobs.ReserveNext(ctx, r.jobTypes, r.lease)
	switch {
	case err == nil:
		r.processJob(ctx, job)
		return true, nil
	case errors.Is(err, model.ErrNoJobsAvailable), errors.Is(err, context.Canceled):
		return false, nil
	default:
		return false, fmt.Errorf("reserve next job: %w", err)
	}
}

func (r *Runner) waitForWork(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	logger := r.logger.With("job_id", job.ID, "job_type", job.Type, "session_id", job.SessionID)
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	// Bookkeeping must land even when the runner is shutting down.
	bookCtx := context.WithoutCancel(ctx)

	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type %s", job.Type)
		r.fail(bookCtx, job, Outcome{}, err)
		emit("failed", metrics.ResultError, err)
		return
	}

	stopKeepAlive := r.keepLeaseAlive(ctx, job.ID)
	outcome, err := h(ctx, job)
	stopKeepAlive()

	switch {
	case errors.Is(err, loader.ErrCancelled):
		logger.InfoContext(ctx, "job stopped after cancellation", "history_id", outcome.HistoryID)
		emit("cancelled", metrics.ResultSuccess, nil)
	case err != nil:
		r.fail(bookCtx, job, outcome, err)
		emit("failed", metrics.ResultError, err)
	default:
		completed, cerr := r.jobs.Complete(bookCtx, job.ID, outcome.Result)
		if cerr != nil {
			logger.ErrorContext(ctx, "complete job error", "error", cerr)
			emit("completed", metrics.ResultError, cerr)
			return
		}
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

// keepLeaseAlive renews the job lease at a third of its length until stopped.
func (r *Runner) keepLeaseAlive(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(r.lease/3, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.jobs.Heartbeat(ctx, id, r.lease); err != nil && ctx.Err() == nil {
					r.logger.WarnContext(ctx, "heartbeat failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) fail(ctx context.Context, job *model.Job, outcome Outcome, err error) {
	severity := notify.SeverityCritical
	if errors.Is(err, loader.ErrCeilingExceeded) || apperrors.IsValidation(err) || apperrors.IsNotRollbackable(err) {
		severity = notify.SeverityWarning
	}
	if _, ferr := r.jobs.FailWithDetails(ctx, job.ID, err.Error(), service.JobFailureDetails{
		HistoryID:   outcome.HistoryID,
		TargetTable: outcome.TargetTable,
		ErrorClass:  obserrors.Classify(err),
		Severity:    severity,
		Metadata: map[string]string{
			"component": componentLabel(job.Type),
		},
	}); ferr != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
	}
}

func componentLabel(t model.JobType) string {
	switch t {
	case model.JobTypeLoad:
		return "load_runner"
	case model.JobTypeValidate:
		return "validate_runner"
	case model.JobTypeRollback:
		return "rollback_runner"
	default:
		return "job_runner"
	}
}
