// Package rollback reverses completed loads by replaying their snapshots.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/observability/metrics"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/target"
)

// Options configure a Manager.
type Options struct {
	History core.HistoryRepository
	Target  target.Store
	Events  core.EventTrigger
	Metrics statsd.Sink
	Clock   data.TimeProvider
	// Timeout bounds the target transaction. Zero means no extra bound.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Manager performs rollbacks.
type Manager struct {
	history core.HistoryRepository
	store   target.Store
	events  core.EventTrigger
	metrics statsd.Sink
	clock   data.TimeProvider
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.History == nil || opts.Target == nil {
		return nil, errors.New("rollback manager requires history and target stores")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &Manager{
		history: opts.History,
		store:   opts.Target,
		events:  opts.Events,
		metrics: opts.Metrics,
		clock:   clock,
		timeout: opts.Timeout,
		tracer:  otel.Tracer("github.com/target/etl-loader/internal/rollback"),
		logger:  logger.With("component", "rollback"),
	}, nil
}

// Rollback reverses the load recorded as historyID. Inserted rows are deleted
// and pre-images are written back in one target transaction; the snapshot is
// then marked spent. A load that cannot be reversed yields a NotRollbackable
// error and nothing is written.
func (m *Manager) Rollback(ctx context.Context, historyID string) (res *model.RollbackResult, err error) {
	ctx, span := m.tracer.Start(ctx, "rollback.Rollback", trace.WithAttributes(attribute.String("etl.history_id", historyID)))
	start := time.Now()
	defer func() {
		m.observe(err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, err := m.history.GetByID(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.LoadStatusCompleted {
		return nil, apperrors.NotRollbackable(historyID, fmt.Sprintf("load is %s", rec.Status))
	}
	if state := rec.SnapshotState(); state != model.SnapshotActive {
		return nil, apperrors.NotRollbackable(historyID, fmt.Sprintf("snapshot is %s", state))
	}

	claimed, err := m.history.ClaimSnapshot(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("claim snapshot: %w", err)
	}
	if !claimed {
		return nil, apperrors.NotRollbackable(historyID, "snapshot is no longer active")
	}
	defer func() {
		if err == nil {
			return
		}
		if relErr := m.history.ReleaseSnapshot(context.WithoutCancel(ctx), historyID); relErr != nil {
			m.logger.ErrorContext(ctx, "release snapshot failed", "history_id", historyID, "error", relErr)
		}
	}()

	segments, err := m.history.ListSegments(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap := model.AssembleSnapshot(rec.RollbackData.KeyColumns, segments)

	schema, err := m.store.Describe(ctx, rec.TargetTable)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", rec.TargetTable, err)
	}
	if reason := incompatible(rec.RollbackData, schema, snap); reason != "" {
		return nil, apperrors.NotRollbackable(historyID, reason)
	}

	deleted, restored, err := m.apply(ctx, historyID, rec.TargetTable, snap)
	if err != nil {
		return nil, err
	}

	out := &model.RollbackRecord{
		HistoryID:    historyID,
		DeletedRows:  deleted,
		RestoredRows: restored,
		CreatedAt:    m.clock.Now(),
	}
	if err = m.history.CompleteRollback(ctx, out); err != nil {
		return nil, fmt.Errorf("record rollback: %w", err)
	}

	res = &model.RollbackResult{
		HistoryID:    historyID,
		RecordID:     out.ID,
		TargetTable:  rec.TargetTable,
		DeletedRows:  deleted,
		RestoredRows: restored,
	}
	m.logger.InfoContext(ctx, "rollback completed",
		"history_id", historyID,
		"target_table", rec.TargetTable,
		"deleted", deleted,
		"restored", restored,
	)
	if m.events != nil {
		m.events.Trigger(ctx, model.Event{
			Type:          model.EventRollbackCompleted,
			LoadHistoryID: historyID,
			SessionID:     rec.SessionID,
			Payload: map[string]any{
				"target_table":  rec.TargetTable,
				"deleted_rows":  deleted,
				"restored_rows": restored,
				"record_id":     out.ID,
			},
			OccurredAt: m.clock.Now(),
		})
	}
	return res, nil
}

// incompatible explains why the current schema cannot take the snapshot back.
// The snapshot key must still identify one row. Beyond that a fingerprint
// match is enough; otherwise every captured column must still exist.
func incompatible(rd *model.RollbackData, schema *target.Schema, snap *model.Snapshot) string {
	if len(snap.KeyColumns) > 0 {
		if _, err := schema.KeyColumns(snap.KeyColumns); err != nil {
			return err.Error()
		}
	}
	if rd.SchemaFingerprint != "" && rd.SchemaFingerprint == schema.Fingerprint() {
		return ""
	}
	for _, col := range snap.Columns() {
		if !schema.Has(col) {
			return fmt.Sprintf("column %s no longer exists in %s", col, schema.Table)
		}
	}
	return ""
}

// apply aborts when a key matches more than one row; the transaction is
// rolled back and nothing is written.
func (m *Manager) apply(ctx context.Context, historyID, table string, snap *model.Snapshot) (deleted, restored int64, err error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	plan := snap.Plan()

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.logger.WarnContext(ctx, "rollback transaction abort failed", "error", rbErr)
			}
		}
	}()

	for _, img := range plan.Deletes {
		key, decErr := img.DecodeRow()
		if decErr != nil {
			return 0, 0, fmt.Errorf("decode inserted key: %w", decErr)
		}
		n, delErr := tx.Delete(ctx, table, key)
		if delErr != nil {
			return 0, 0, delErr
		}
		if n > 1 {
			return 0, 0, apperrors.NotRollbackable(historyID, fmt.Sprintf("key %v matches %d rows in %s", key, n, table))
		}
		deleted += n
	}

	for _, img := range plan.Restores {
		row, decErr := img.DecodeRow()
		if decErr != nil {
			return 0, 0, fmt.Errorf("decode pre-image: %w", decErr)
		}
		key := make(model.Row, len(snap.KeyColumns))
		for _, k := range snap.KeyColumns {
			key[k] = row[k]
		}
		n, updErr := tx.Update(ctx, table, key, row)
		if updErr != nil {
			return 0, 0, updErr
		}
		if n > 1 {
			return 0, 0, apperrors.NotRollbackable(historyID, fmt.Sprintf("key %v matches %d rows in %s", key, n, table))
		}
		if n == 0 {
			// The row was deleted after the load; put it back.
			if _, insErr := tx.Insert(ctx, table, row, nil); insErr != nil {
				return 0, 0, insErr
			}
		}
		restored++
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return deleted, restored, nil
}

func (m *Manager) observe(err error, d time.Duration) {
	metrics.EmitRollback(m.metrics, apperrors.IsNotRollbackable(err), err, d)
}
