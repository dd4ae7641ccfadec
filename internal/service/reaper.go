package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/observability/metrics"
	"github.com/target/etl-loader/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs    core.JobMaintenanceRepository     // Required
	History core.HistoryMaintenanceRepository // Optional: snapshot retention is skipped when nil
	Staging core.StagingRepository            // Optional: staging retention is skipped when nil
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
	Clock   data.TimeProvider
}

// ReaperService performs queue and snapshot housekeeping.
//
// Each pass:
// - fails processing jobs whose lease expired,
// - deletes finished jobs older than JobMaxAge,
// - expires rollback snapshots older than SnapshotTTL and purges unusable segments,
// - deletes staged datasets older than StagingMaxAge.
type ReaperService struct {
	jobs    core.JobMaintenanceRepository
	history core.HistoryMaintenanceRepository
	staging core.StagingRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
	clock   data.TimeProvider
}

// CleanupReport holds per-operation counts of one cleanup pass.
type CleanupReport struct {
	ExpiredLeases    int64         `json:"expired_leases"`
	DeletedJobs      int64         `json:"deleted_jobs"`
	ExpiredSnapshots int64         `json:"expired_snapshots"`
	PurgedSegments   int64         `json:"purged_segments"`
	DeletedStaging   int64         `json:"deleted_staging_rows"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Total sums every count in the report.
func (r CleanupReport) Total() int64 {
	return r.ExpiredLeases + r.DeletedJobs + r.ExpiredSnapshots + r.PurgedSegments + r.DeletedStaging
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobMaintenanceRepository is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"job_max_age", opts.Config.JobMaxAge,
			"snapshot_ttl", opts.Config.SnapshotTTL,
			"staging_max_age", opts.Config.StagingMaxAge,
		)
	}

	return &ReaperService{
		jobs:    opts.Jobs,
		history: opts.History,
		staging: opts.Staging,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clock,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and wraps construction errors.
func MustNewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	svc, err := NewReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ReaperService: %w", err)
	}
	return svc, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	interval := s.config.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// RunOnce performs a single cleanup pass and reports what it removed.
func (s *ReaperService) RunOnce(ctx context.Context) (CleanupReport, error) {
	return s.runCleanup(ctx)
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

func (s *ReaperService) runCleanup(ctx context.Context) (CleanupReport, error) {
	start := time.Now()
	var (
		report             CleanupReport
		errs               []error
		allContextCanceled = true
		metricsData        = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.failExpiredLeases,
			label:     "fail expired leases",
			operation: "fail_expired_leases",
			count:     &report.ExpiredLeases,
		},
		{
			fn:        s.deleteOldJobs,
			label:     "delete old jobs",
			operation: "delete_jobs",
			count:     &report.DeletedJobs,
		},
	}
	if s.history != nil {
		steps = append(steps,
			cleanupStep{
				fn:        s.expireSnapshots,
				label:     "expire snapshots",
				operation: "expire_snapshots",
				count:     &report.ExpiredSnapshots,
			},
			cleanupStep{
				fn:        s.purgeSegments,
				label:     "purge snapshot segments",
				operation: "purge_segments",
				count:     &report.PurgedSegments,
			},
		)
	}
	if s.staging != nil {
		steps = append(steps, cleanupStep{
			fn:        s.deleteOldStaging,
			label:     "delete old staging rows",
			operation: "delete_staging",
			count:     &report.DeletedStaging,
		})
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		metricsData.operations = append(metricsData.operations, operationResult{
			name:  step.operation,
			count: outcome.count,
			err:   outcome.metricErr,
		})
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	report.Elapsed = time.Since(start)
	metricsData.elapsed = report.Elapsed
	s.emitCleanupMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return report, context.Canceled
		}
		return report, fmt.Errorf("cleanup failed: %w", joined)
	}

	return report, nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	operation string
	count     *int64
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// drainBatches calls batch until it reports zero affected rows.
func drainBatches(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		count, err := batch(ctx)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *ReaperService) failExpiredLeases(ctx context.Context) (int64, error) {
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.jobs.FailExpiredLeases(ctx, s.config.BatchSize)
	})
	if total > 0 && s.logger != nil {
		s.logger.WarnContext(ctx, "failed jobs with expired leases", "count", total)
	}
	return total, err
}

func (s *ReaperService) deleteOldJobs(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.JobMaxAge)
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.jobs.DeleteTerminalBefore(ctx, cutoff, s.config.BatchSize)
	})
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old jobs", "count", total, "max_age", s.config.JobMaxAge)
	}
	return total, err
}

func (s *ReaperService) expireSnapshots(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.SnapshotTTL)
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.history.ExpireSnapshots(ctx, cutoff, s.config.BatchSize)
	})
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "expired rollback snapshots", "count", total, "ttl", s.config.SnapshotTTL)
	}
	return total, err
}

// purgeSegments treats staged segments of loads older than StagingMaxAge as orphaned.
func (s *ReaperService) purgeSegments(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.StagingMaxAge)
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.history.PurgeSegments(ctx, cutoff, s.config.BatchSize)
	})
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "purged snapshot segments", "count", total)
	}
	return total, err
}

func (s *ReaperService) deleteOldStaging(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.StagingMaxAge)
	total, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.staging.DeleteBefore(ctx, cutoff, s.config.BatchSize)
	})
	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old staging rows", "count", total, "max_age", s.config.StagingMaxAge)
	}
	return total, err
}

type operationResult struct {
	name  string
	count int64
	err   error
}

type cleanupMetrics struct {
	operations []operationResult
	elapsed    time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	var (
		totalCount int64
		firstErr   error
	)
	for _, op := range m.operations {
		totalCount += op.count
		if firstErr == nil {
			firstErr = op.err
		}
	}

	tags := metrics.WithErrorClass(map[string]string{
		"result": metrics.Outcome(firstErr, totalCount),
	}, firstErr)

	s.metrics.Count("reaper.cleanup", 1, tags)
	if m.elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.elapsed, metrics.CloneTags(tags))
	}

	for _, op := range m.operations {
		s.emitCleanupOperationMetric(op.name, op.count, op.err)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.clock.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	tags := metrics.WithErrorClass(map[string]string{
		"operation": operation,
		"result":    metrics.Outcome(err, count),
	}, err)

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
