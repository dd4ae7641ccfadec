package jobrunner

import (
	"context"

	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/loader"
	"github.com/target/etl-loader/internal/validation"
)

// ValidationResult is stored on completed validate jobs. Findings are read
// back by session.
type ValidationResult struct {
	SessionID   string                 `json:"session_id"`
	SourceRef   string                 `json:"source_ref"`
	RowsScanned int                    `json:"rows_scanned"`
	Counts      map[model.Severity]int `json:"counts"`
	Worst       model.Severity         `json:"worst,omitempty"`
}

func (r *Runner) handleLoadJob(ctx context.Context, job *model.Job) (Outcome, error) {
	params, err := model.DecodeLoadParameters(job.Parameters)
	if err != nil {
		return Outcome{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid load parameters")
	}
	out := Outcome{TargetTable: params.TargetTable}

	summary, err := r.loader.Load(ctx, loader.Request{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Params:    params,
	})
	if summary != nil {
		out.HistoryID = summary.HistoryID
		out.Result = summary
	}
	return out, err
}

func (r *Runner) handleValidateJob(ctx context.Context, job *model.Job) (Outcome, error) {
	params, err := model.DecodeValidateParameters(job.Parameters)
	if err != nil {
		return Outcome{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid validate parameters")
	}

	report, err := r.validator.Run(ctx, validation.RunRequest{
		SessionID:  job.SessionID,
		SourceRef:  params.SourceRef,
		Columns:    params.Columns,
		SampleSize: params.SampleSize,
		Outliers:   params.Outliers,
	})
	if err != nil {
		return Outcome{}, err
	}

	r.emitValidationEvent(ctx, job, params.SourceRef, report)

	return Outcome{Result: ValidationResult{
		SessionID:   report.SessionID,
		SourceRef:   params.SourceRef,
		RowsScanned: report.RowsScanned,
		Counts:      report.Counts,
		Worst:       report.Worst,
	}}, nil
}

func (r *Runner) emitValidationEvent(ctx context.Context, job *model.Job, sourceRef string, report *validation.Report) {
	if r.events == nil {
		return
	}
	var t model.EventType
	switch report.Worst {
	case model.SeverityError:
		t = model.EventValidationError
	case model.SeverityWarning:
		t = model.EventValidationWarning
	default:
		return
	}
	r.events.Trigger(ctx, model.Event{
		Type:      t,
		SessionID: job.SessionID,
		Payload: map[string]any{
			"job_id":     job.ID,
			"source_ref": sourceRef,
			"errors":     report.Counts[model.SeverityError],
			"warnings":   report.Counts[model.SeverityWarning],
		},
	})
}

func (r *Runner) handleRollbackJob(ctx context.Context, job *model.Job) (Outcome, error) {
	params, err := model.DecodeRollbackParameters(job.Parameters)
	if err != nil {
		return Outcome{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid rollback parameters")
	}
	res, err := r.rollback.Rollback(ctx, params.HistoryID)
	out := Outcome{HistoryID: params.HistoryID}
	if res != nil {
		out.Result = res
	}
	return out, err
}
