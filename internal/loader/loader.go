// Package loader runs load jobs: it reads a staged dataset chunk by chunk,
// transforms each chunk, writes it to the target table in one transaction
// and records the snapshot a later rollback replays.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/observability/metrics"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/transform"
	"github.com/target/etl-loader/internal/validation"
)

var (
	// ErrCancelled stops a load whose job was cancelled.
	ErrCancelled = errors.New("cancelled by user")
	// ErrCeilingExceeded stops a load whose error rate went over its ceiling.
	ErrCeilingExceeded = errors.New("error-rate ceiling exceeded")
)

const tracerName = "github.com/target/etl-loader/internal/loader"

// Options configure an Executor.
type Options struct {
	Datasets core.DatasetRepository
	History  core.HistoryRepository
	Target   target.Store
	Builder  *transform.Builder

	// Validator runs the optional pre-load validation pass.
	Validator *validation.Service
	// Jobs receives progress and heartbeats. Cancellation is read from it.
	Jobs   core.JobTracker
	Events core.EventTrigger
	// Metrics is optional.
	Metrics statsd.Sink

	Config       config.LoaderConfig
	LeaseSeconds int
	Clock        data.TimeProvider
	Logger       *slog.Logger
}

// Executor runs loads. It is safe for concurrent use; the chunk write
// limiter is shared by every load it runs.
type Executor struct {
	datasets  core.DatasetRepository
	history   core.HistoryRepository
	store     target.Store
	builder   *transform.Builder
	validator *validation.Service
	jobs      core.JobTracker
	events    core.EventTrigger
	metrics   statsd.Sink
	cfg       config.LoaderConfig
	lease     int
	clock     data.TimeProvider
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Datasets == nil || opts.History == nil || opts.Target == nil {
		return nil, errors.New("loader requires dataset, history and target stores")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := opts.Builder
	if builder == nil {
		builder = transform.NewBuilder(transform.BuilderOptions{Logger: logger})
	}
	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	lease := opts.LeaseSeconds
	if lease <= 0 {
		lease = 30
	}

	var limiter *rate.Limiter
	if cfg.MaxChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxChunksPerSecond), 1)
	}

	return &Executor{
		datasets:  opts.Datasets,
		history:   opts.History,
		store:     opts.Target,
		builder:   builder,
		validator: opts.Validator,
		jobs:      opts.Jobs,
		events:    opts.Events,
		metrics:   opts.Metrics,
		cfg:       cfg,
		lease:     lease,
		clock:     clock,
		limiter:   limiter,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With("component", "loader"),
	}, nil
}

// Request describes one load.
type Request struct {
	JobID     string
	SessionID string
	Params    *model.LoadParameters
}

// Load runs req to a terminal state. The returned summary is non-nil once a
// history record exists, including when the load failed.
func (e *Executor) Load(ctx context.Context, req Request) (*model.LoadSummary, error) {
	if req.Params == nil {
		return nil, apperrors.Validation("load parameters are required")
	}
	if err := req.Params.Check(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid load parameters")
	}
	p := req.Params

	ctx, span := e.tracer.Start(ctx, "loader.Load", trace.WithAttributes(
		attribute.String("etl.job_id", req.JobID),
		attribute.String("etl.source_ref", p.SourceRef),
		attribute.String("etl.target_table", p.TargetTable),
		attribute.String("etl.mode", string(p.Mode)),
	))
	defer span.End()

	total, err := e.datasets.Count(ctx, p.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("count dataset %s: %w", p.SourceRef, err)
	}

	rec := &model.LoadHistoryRecord{
		SessionID:   req.SessionID,
		JobID:       req.JobID,
		SourceRef:   p.SourceRef,
		TargetTable: p.TargetTable,
		Mode:        p.Mode,
		TotalRows:   total,
		Status:      model.LoadStatusProcessing,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.history.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create load history: %w", err)
	}
	span.SetAttributes(attribute.String("etl.history_id", rec.ID))
	e.emit(ctx, model.EventLoadStarted, rec, map[string]any{"total_rows": total, "job_id": req.JobID})

	r := &run{
		e:       e,
		req:     req,
		params:  p,
		rec:     rec,
		started: e.clock.Now(),
		summary: &model.LoadSummary{HistoryID: rec.ID},
		logger: e.logger.With(
			"history_id", rec.ID,
			"job_id", req.JobID,
			"target_table", p.TargetTable,
		),
	}
	r.counters.TotalRows = total

	runErr := r.execute(ctx)
	if err := r.finalize(ctx, runErr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.summary, err
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return r.summary, runErr
	}
	return r.summary, nil
}

// run carries the state of a single load.
type run struct {
	e      *Executor
	req    Request
	params *model.LoadParameters
	rec    *model.LoadHistoryRecord
	logger *slog.Logger

	schema   *target.Schema
	keyCols  []string
	pipeline *transform.Pipeline
	ceiling  model.ErrorCeiling

	started  time.Time
	counters model.LoadCounters
	segments int
	summary  *model.LoadSummary
}

func (r *run) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}
	if err := r.validate(ctx); err != nil {
		return err
	}

	size := r.params.ChunkSize
	if size <= 0 {
		size = r.e.cfg.ChunkSize
	}

	var offset int64
	for chunkIndex := 0; offset < r.counters.TotalRows; chunkIndex++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		rows, err := r.e.datasets.Read(ctx, r.params.SourceRef, offset, size)
		if err != nil {
			return fmt.Errorf("read dataset at row %d: %w", offset, err)
		}
		if len(rows) == 0 {
			break
		}
		if err := r.processChunk(ctx, chunkIndex, offset, rows); err != nil {
			return err
		}
		offset += int64(len(rows))
	}
	return nil
}

// prepare resolves the target schema, the key columns and the pipeline.
// Anything wrong here fails the load before a row is written.
func (r *run) prepare(ctx context.Context) error {
	schema, err := r.e.store.Describe(ctx, r.params.TargetTable)
	if err != nil {
		return fmt.Errorf("describe %s: %w", r.params.TargetTable, err)
	}
	keys, err := schema.KeyColumns(r.params.KeyColumns)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "resolve key columns")
	}

	required := requiredTargets(r.params)
	if unknown := unknownColumns(schema, r.params, required); len(unknown) > 0 {
		return apperrors.Validationf("unknown columns in %s: %s", r.params.TargetTable, strings.Join(unknown, ", "))
	}

	pipeline, err := r.e.builder.Build(ctx, transform.Spec{
		Mapping:    r.params.Mapping,
		Transforms: r.params.Transforms,
		Required:   required,
	})
	if err != nil {
		return fmt.Errorf("build transformation pipeline: %w", err)
	}

	r.ceiling = r.e.cfg.DefaultCeiling()
	if r.params.ErrorCeiling != nil {
		r.ceiling = *r.params.ErrorCeiling
	}
	r.schema = schema
	r.keyCols = keys
	r.pipeline = pipeline
	return nil
}

func (r *run) validate(ctx context.Context) error {
	if !r.params.Validate || r.e.validator == nil {
		return nil
	}
	report, err := r.e.validator.Run(ctx, validation.RunRequest{
		SessionID: r.req.SessionID,
		SourceRef: r.params.SourceRef,
		Columns:   r.params.Columns,
		Outliers:  true,
	})
	if err != nil {
		return err
	}
	r.summary.Findings = report.Counts

	payload := map[string]any{
		"errors":   report.Counts[model.SeverityError],
		"warnings": report.Counts[model.SeverityWarning],
	}
	switch report.Worst {
	case model.SeverityError:
		r.e.emit(ctx, model.EventValidationError, r.rec, payload)
	case model.SeverityWarning:
		r.e.emit(ctx, model.EventValidationWarning, r.rec, payload)
	}
	if r.params.FailOnError && report.HasErrors() {
		return apperrors.Validationf("validation failed with %d errors", report.Counts[model.SeverityError])
	}
	return nil
}

// checkpoint runs at every chunk boundary.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.e.jobs == nil || r.req.JobID == "" {
		return nil
	}
	job, err := r.e.jobs.GetByID(ctx, r.req.JobID)
	if err != nil {
		return fmt.Errorf("read job %s: %w", r.req.JobID, err)
	}
	switch job.Status {
	case model.JobStatusCancelled:
		return ErrCancelled
	case model.JobStatusProcessing:
	default:
		return fmt.Errorf("job %s is %s", job.ID, job.Status)
	}
	if _, err := r.e.jobs.Heartbeat(ctx, r.req.JobID, r.e.lease); err != nil {
		r.logger.WarnContext(ctx, "heartbeat failed", "error", err)
	}
	return nil
}

func (r *run) processChunk(ctx context.Context, index int, offset int64, rows []model.Row) error {
	ctx, span := r.e.tracer.Start(ctx, "loader.Chunk", trace.WithAttributes(
		attribute.Int("etl.chunk_index", index),
		attribute.Int("etl.chunk_rows", len(rows)),
	))
	defer span.End()
	began := time.Now()

	res, err := r.pipeline.ApplyAll(ctx, rows, offset)
	if err != nil {
		return err
	}
	c := r.screen(index, res)

	chunkErrors := int64(len(c.skipped))
	r.counters.Processed += int64(len(rows))
	r.counters.ErrorRows += chunkErrors
	r.addSkipped(c.skipped)

	if r.exceeded(chunkErrors, int64(len(rows))) {
		span.SetStatus(codes.Error, ErrCeilingExceeded.Error())
		r.persistCounters(ctx)
		return fmt.Errorf("%w: chunk %d", ErrCeilingExceeded, index)
	}

	if r.e.limiter != nil {
		if err := r.e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	out, err := r.writeWithRetry(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !out.segment.Empty() {
		if err := r.e.history.AppendSegment(ctx, out.segment); err != nil {
			return fmt.Errorf("persist snapshot of chunk %d: %w", index, err)
		}
		r.segments++
	}

	r.counters.InsertedRows += out.inserted
	r.counters.UpdatedRows += out.updated
	r.counters.ErrorRows += int64(len(out.skipped))
	r.addSkipped(out.skipped)
	r.summary.Chunks++

	r.persistCounters(ctx)
	r.reportProgress(ctx)
	metrics.EmitChunk(r.e.metrics, metrics.ChunkMetric{
		TargetTable: r.params.TargetTable,
		Inserted:    out.inserted,
		Updated:     out.updated,
		Errors:      int64(len(c.skipped)) + int64(len(out.skipped)),
		Duration:    time.Since(began),
	})

	r.logger.DebugContext(ctx, "chunk committed",
		"chunk", index,
		"rows", len(rows),
		"inserted", out.inserted,
		"updated", out.updated,
		"errors", chunkErrors+int64(len(out.skipped)),
	)
	return nil
}

// screen drops transformed rows that still carry columns the target lacks.
func (r *run) screen(index int, res transform.Result) *chunk {
	c := &chunk{index: index, skipped: res.Skipped}
	for i, row := range res.Rows {
		if col := firstUnknown(r.schema, row); col != "" {
			c.skipped = append(c.skipped, model.SkippedRow{
				RowIndex: res.Indexes[i],
				Column:   col,
				Reason:   fmt.Sprintf("column %s does not exist in %s", col, r.params.TargetTable),
			})
			continue
		}
		c.rows = append(c.rows, row)
		c.indexes = append(c.indexes, res.Indexes[i])
	}
	return c
}

func (r *run) exceeded(chunkErrors, chunkRows int64) bool {
	var errs, seen int64
	switch r.ceiling.Scope {
	case model.CeilingScopeChunk:
		errs, seen = chunkErrors, chunkRows
	default:
		errs, seen = r.counters.ErrorRows, r.counters.Processed
	}
	if seen == 0 {
		return false
	}
	return float64(errs)/float64(seen) > r.ceiling.Rate
}

func (r *run) addSkipped(rows []model.SkippedRow) {
	room := r.e.cfg.MaxSkippedInResult - len(r.summary.Skipped)
	if room <= 0 || len(rows) == 0 {
		return
	}
	if len(rows) > room {
		rows = rows[:room]
	}
	r.summary.Skipped = append(r.summary.Skipped, rows...)
}

func (r *run) persistCounters(ctx context.Context) {
	if err := r.e.history.UpdateCounters(ctx, r.rec.ID, r.counters); err != nil {
		r.logger.WarnContext(ctx, "update load counters failed", "error", err)
	}
}

func (r *run) reportProgress(ctx context.Context) {
	if r.e.jobs == nil || r.req.JobID == "" {
		return
	}
	progress := model.Progress(r.counters.Processed, r.counters.TotalRows)
	if _, err := r.e.jobs.UpdateProgress(ctx, r.req.JobID, progress); err != nil {
		r.logger.WarnContext(ctx, "update progress failed", "error", err, "progress", progress)
	}
}

// finalize writes the terminal history state. It runs detached from ctx so a
// cancelled job still records why it stopped.
func (r *run) finalize(ctx context.Context, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	elapsed := r.e.clock.Now().Sub(r.started)

	r.summary.Counters = r.counters
	r.summary.SuccessRate = model.SuccessRate(r.counters.InsertedRows, r.counters.UpdatedRows, r.counters.TotalRows)

	params := core.FinalizeLoadParams{
		ID:              r.rec.ID,
		Status:          model.LoadStatusCompleted,
		Counters:        r.counters,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if runErr != nil {
		params.Status = model.LoadStatusFailed
		msg := failureMessage(runErr)
		params.ErrorMessage = &msg
	} else if r.segments > 0 {
		params.Rollback = &model.RollbackData{
			State:             model.SnapshotActive,
			KeyColumns:        r.keyCols,
			Columns:           r.schema.ColumnNames(),
			SchemaFingerprint: r.schema.Fingerprint(),
			Segments:          r.segments,
		}
	}

	if err := r.e.history.Finalize(ctx, params); err != nil {
		r.logger.ErrorContext(ctx, "finalize load history failed", "error", err)
		return fmt.Errorf("finalize load history %s: %w", r.rec.ID, err)
	}

	result := "completed"
	payload := map[string]any{
		"total_rows":    r.counters.TotalRows,
		"inserted_rows": r.counters.InsertedRows,
		"updated_rows":  r.counters.UpdatedRows,
		"error_rows":    r.counters.ErrorRows,
		"success_rate":  r.summary.SuccessRate,
		"elapsed_ms":    elapsed.Milliseconds(),
	}
	if runErr != nil {
		result = "failed"
		payload["error"] = *params.ErrorMessage
		r.e.emit(ctx, model.EventLoadFailed, r.rec, payload)
		r.logger.WarnContext(ctx, "load failed", "error", runErr, "error_rows", r.counters.ErrorRows)
	} else {
		r.e.emit(ctx, model.EventLoadCompleted, r.rec, payload)
		r.logger.InfoContext(ctx, "load completed",
			"total_rows", r.counters.TotalRows,
			"inserted", r.counters.InsertedRows,
			"updated", r.counters.UpdatedRows,
			"errors", r.counters.ErrorRows,
			"success_rate", r.summary.SuccessRate,
			"chunks", r.summary.Chunks,
		)
	}
	metrics.EmitLoad(r.e.metrics, metrics.LoadMetric{
		TargetTable: r.rec.TargetTable,
		Mode:        string(r.params.Mode),
		Status:      result,
		SuccessRate: r.summary.SuccessRate,
		Duration:    elapsed,
		Err:         runErr,
	})
	return nil
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrCancelled.Error()
	case errors.Is(err, ErrCeilingExceeded):
		return ErrCeilingExceeded.Error()
	}
	return err.Error()
}

func (e *Executor) emit(ctx context.Context, t model.EventType, rec *model.LoadHistoryRecord, payload map[string]any) {
	if e.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["target_table"] = rec.TargetTable
	payload["source_ref"] = rec.SourceRef
	e.events.Trigger(ctx, model.Event{
		Type:          t,
		LoadHistoryID: rec.ID,
		SessionID:     rec.SessionID,
		Payload:       payload,
		OccurredAt:    e.clock.Now(),
	})
}

// requiredTargets names required columns on the target side of the mapping.
func requiredTargets(p *model.LoadParameters) []string {
	rename := make(map[string]string, len(p.Mapping))
	for _, m := range p.Mapping {
		rename[m.Source] = m.Target
	}
	var out []string
	for _, c := range p.RequiredColumns() {
		if t, ok := rename[c]; ok {
			out = append(out, t)
			continue
		}
		out = append(out, c)
	}
	return out
}

// unknownColumns lists configured target columns the table does not have.
func unknownColumns(schema *target.Schema, p *model.LoadParameters, required []string) []string {
	seen := make(map[string]struct{})
	var out []string
	check := func(col string) {
		if _, dup := seen[col]; dup {
			return
		}
		seen[col] = struct{}{}
		if !schema.Has(col) {
			out = append(out, col)
		}
	}
	for _, m := range p.Mapping {
		check(m.Target)
	}
	for col := range p.Transforms {
		check(col)
	}
	for _, col := range required {
		check(col)
	}
	sort.Strings(out)
	return out
}

// firstUnknown reports the alphabetically first column the target lacks.
func firstUnknown(schema *target.Schema, row model.Row) string {
	var unknown []string
	for col := range row {
		if !schema.Has(col) {
			unknown = append(unknown, col)
		}
	}
	if len(unknown) == 0 {
		return ""
	}
	sort.Strings(unknown)
	return unknown[0]
}
