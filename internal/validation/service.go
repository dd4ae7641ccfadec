package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
)

const readPageSize = 1000

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Engine   *Engine
	Datasets core.DatasetRepository
	Findings core.FindingRepository
	// SampleSize caps the rows read per pass. Zero reads the whole dataset.
	SampleSize int
	Logger     *slog.Logger
}

// Service samples a staged dataset, validates it and stores the findings.
type Service struct {
	engine     *Engine
	datasets   core.DatasetRepository
	findings   core.FindingRepository
	sampleSize int
	logger     *slog.Logger
}

// NewService builds a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Datasets == nil || opts.Findings == nil {
		return nil, errors.New("validation service requires dataset and finding repositories")
	}
	engine := opts.Engine
	if engine == nil {
		engine = NewEngine(EngineOptions{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:     engine,
		datasets:   opts.Datasets,
		findings:   opts.Findings,
		sampleSize: max(opts.SampleSize, 0),
		logger:     logger.With("component", "validation_service"),
	}, nil
}

// RunRequest selects what to validate.
type RunRequest struct {
	SessionID string
	SourceRef string
	Columns   []model.ColumnSpec
	// SampleSize overrides the service default when positive.
	SampleSize int
	Outliers   bool
}

// Report is the outcome of one validation run.
type Report struct {
	SessionID   string                    `json:"session_id"`
	RowsScanned int                       `json:"rows_scanned"`
	Findings    []model.ValidationFinding `json:"findings"`
	Counts      map[model.Severity]int    `json:"counts"`
	Worst       model.Severity            `json:"worst"`
}

// HasErrors reports whether any finding is an error.
func (r *Report) HasErrors() bool { return r != nil && r.Worst == model.SeverityError }

// Run validates the sample of req.SourceRef and persists the findings.
func (s *Service) Run(ctx context.Context, req RunRequest) (*Report, error) {
	limit := s.sampleSize
	if req.SampleSize > 0 {
		limit = req.SampleSize
	}
	sample, err := s.readSample(ctx, req.SourceRef, limit)
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, req, sample)
}

// Evaluate validates rows already in memory and persists the findings.
func (s *Service) Evaluate(ctx context.Context, req RunRequest, sample []model.Row) (*Report, error) {
	findings, err := s.engine.Validate(ctx, Request{
		SessionID: req.SessionID,
		Columns:   req.Columns,
		Sample:    sample,
		Outliers:  req.Outliers,
	})
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", req.SourceRef, err)
	}
	if err := s.findings.InsertFindings(ctx, findings); err != nil {
		return nil, fmt.Errorf("store findings: %w", err)
	}

	report := &Report{
		SessionID:   req.SessionID,
		RowsScanned: len(sample),
		Findings:    findings,
		Counts:      model.CountBySeverity(findings),
		Worst:       model.WorstSeverity(findings),
	}
	s.logger.InfoContext(ctx, "validation completed",
		"session_id", req.SessionID,
		"source_ref", req.SourceRef,
		"rows", report.RowsScanned,
		"errors", report.Counts[model.SeverityError],
		"warnings", report.Counts[model.SeverityWarning],
	)
	return report, nil
}

func (s *Service) readSample(ctx context.Context, sourceRef string, limit int) ([]model.Row, error) {
	var out []model.Row
	var offset int64
	for {
		page := readPageSize
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		if page <= 0 {
			return out, nil
		}
		rows, err := s.datasets.Read(ctx, sourceRef, offset, page)
		if err != nil {
			return nil, fmt.Errorf("read sample of %s: %w", sourceRef, err)
		}
		out = append(out, rows...)
		if len(rows) < page {
			return out, nil
		}
		offset += int64(len(rows))
	}
}
