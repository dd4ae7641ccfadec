// Package validation scores a dataset sample column by column and grades
// each metric against configurable thresholds. It never modifies data.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/domain/model"
)

// Band grades a ratio: above High is error, above Low is warning.
type Band struct {
	Low  float64
	High float64
}

// Grade maps ratio to a severity.
func (b Band) Grade(ratio float64) model.Severity {
	switch {
	case ratio > b.High:
		return model.SeverityError
	case ratio > b.Low:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// Thresholds holds the bands of every metric.
type Thresholds struct {
	Null           Band
	Duplicate      Band
	Type           Band
	Outlier        Band
	InferenceRatio float64
}

// ThresholdsFromConfig converts the env-backed configuration.
func ThresholdsFromConfig(c config.ValidationConfig) Thresholds {
	return Thresholds{
		Null:           Band{Low: c.NullLow, High: c.NullHigh},
		Duplicate:      Band{Low: c.DuplicateLow, High: c.DuplicateHigh},
		Type:           Band{Low: c.TypeLow, High: c.TypeHigh},
		Outlier:        Band{Low: c.OutlierLow, High: c.OutlierHigh},
		InferenceRatio: c.InferenceRatio,
	}
}

// DefaultThresholds returns the documented default bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Null:           Band{Low: 0.10, High: 0.50},
		Duplicate:      Band{Low: 0.80, High: 1.0},
		Type:           Band{Low: 0, High: 0.10},
		Outlier:        Band{Low: 0.10, High: 1.0},
		InferenceRatio: 0.8,
	}
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	Thresholds *Thresholds
	Logger     *slog.Logger
}

// Engine computes validation findings. It is safe for concurrent use.
type Engine struct {
	th     Thresholds
	logger *slog.Logger
}

// NewEngine builds an Engine. Missing thresholds fall back to the defaults.
func NewEngine(opts EngineOptions) *Engine {
	th := DefaultThresholds()
	if opts.Thresholds != nil {
		th = *opts.Thresholds
	}
	if th.InferenceRatio <= 0 || th.InferenceRatio > 1 {
		th.InferenceRatio = 0.8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{th: th, logger: logger.With("component", "validation")}
}

// Request is one validation pass.
type Request struct {
	SessionID string
	Columns   []model.ColumnSpec
	Sample    []model.Row
	Outliers  bool
}

// Validate returns the complete finding set for the sample: null, duplicate
// and type findings for every column, outlier findings for numeric columns
// when requested, and two row-level findings.
func (e *Engine) Validate(ctx context.Context, req Request) ([]model.ValidationFinding, error) {
	specs := make(map[string]model.ColumnSpec, len(req.Columns))
	for _, c := range req.Columns {
		specs[c.Name] = c
	}
	cols := columnsOf(req.Columns, req.Sample)

	findings := make([]model.ValidationFinding, 0, len(cols)*4+2)
	for _, col := range cols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, e.validateColumn(req, col, specs[col])...)
	}
	findings = append(findings, e.rowFindings(req.SessionID, cols, req.Sample)...)

	e.logger.DebugContext(ctx, "validation pass complete",
		"session_id", req.SessionID,
		"rows", len(req.Sample),
		"columns", len(cols),
		"findings", len(findings),
		"worst", model.WorstSeverity(findings),
	)
	return findings, nil
}

func (e *Engine) validateColumn(req Request, col string, spec model.ColumnSpec) []model.ValidationFinding {
	total := len(req.Sample)
	values := make([]any, 0, total)
	for _, row := range req.Sample {
		if v := row[col]; !IsNull(v) {
			values = append(values, v)
		}
	}
	nulls := total - len(values)

	finding := func(vt model.ValidationType, res model.FindingResult, sev model.Severity) model.ValidationFinding {
		res.Required = spec.Required
		return model.ValidationFinding{
			SessionID:      req.SessionID,
			ColumnName:     col,
			ValidationType: vt,
			Result:         res,
			Severity:       sev,
		}
	}

	out := make([]model.ValidationFinding, 0, 4)

	nullSev := e.th.Null.Grade(ratio(nulls, total))
	if spec.Required && nulls > 0 {
		nullSev = model.SeverityError
	}
	out = append(out, finding(model.ValidationNullCheck, model.FindingResult{
		Total: total, Count: nulls, Ratio: ratio(nulls, total),
		Message: fmt.Sprintf("%d of %d values are null", nulls, total),
	}, nullSev))

	dups := duplicateCount(values)
	out = append(out, finding(model.ValidationDuplicateCheck, model.FindingResult{
		Total: total, Count: dups, Ratio: ratio(dups, total),
		Message: fmt.Sprintf("%d distinct values, %d duplicates", len(values)-dups, dups),
	}, e.th.Duplicate.Grade(ratio(dups, total))))

	inferred := Infer(values, e.th.InferenceRatio)
	declared := model.DeclaredType(spec.Type)
	mismatches := 0
	if declared != "" {
		for _, v := range values {
			if !Matches(declared, v) {
				mismatches++
			}
		}
	}
	typeSev := e.th.Type.Grade(ratio(mismatches, len(values)))
	if spec.Required && mismatches > 0 {
		typeSev = model.SeverityError
	}
	out = append(out, finding(model.ValidationTypeCheck, model.FindingResult{
		Total: len(values), Count: mismatches, Ratio: ratio(mismatches, len(values)),
		DeclaredType: string(declared), InferredType: string(inferred),
	}, typeSev))

	numeric := declared.Numeric() || (declared == "" && inferred.Numeric())
	if req.Outliers && numeric {
		if f, ok := e.outlierFinding(values); ok {
			out = append(out, finding(model.ValidationOutlierCheck, f, e.th.Outlier.Grade(f.Ratio)))
		}
	}
	return out
}

func (e *Engine) outlierFinding(values []any) (model.FindingResult, bool) {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return model.FindingResult{}, false
	}
	lower, upper, count := iqrOutliers(nums)
	return model.FindingResult{
		Total:      len(nums),
		Count:      count,
		Ratio:      ratio(count, len(nums)),
		LowerFence: &lower,
		UpperFence: &upper,
	}, true
}

func (e *Engine) rowFindings(sessionID string, cols []string, sample []model.Row) []model.ValidationFinding {
	empty, dupRows := 0, 0
	seen := make(map[uint64]struct{}, len(sample))
	for _, row := range sample {
		allNull := true
		for _, c := range cols {
			if !IsNull(row[c]) {
				allNull = false
				break
			}
		}
		if allNull {
			empty++
		}
		h := rowHash(row, cols)
		if _, ok := seen[h]; ok {
			dupRows++
			continue
		}
		seen[h] = struct{}{}
	}

	grade := func(n int) model.Severity {
		if n > 0 {
			return model.SeverityWarning
		}
		return model.SeverityInfo
	}
	total := len(sample)
	return []model.ValidationFinding{
		{
			SessionID: sessionID, ColumnName: model.RowFindingColumn, ValidationType: model.ValidationRowCheck,
			Result:   model.FindingResult{Total: total, Count: empty, Ratio: ratio(empty, total), Message: "empty_rows"},
			Severity: grade(empty),
		},
		{
			SessionID: sessionID, ColumnName: model.RowFindingColumn, ValidationType: model.ValidationRowCheck,
			Result:   model.FindingResult{Total: total, Count: dupRows, Ratio: ratio(dupRows, total), Message: "duplicate_rows"},
			Severity: grade(dupRows),
		},
	}
}

func duplicateCount(values []any) int {
	seen := make(map[uint64]struct{}, len(values))
	dups := 0
	for _, v := range values {
		h := valueHash(v)
		if _, ok := seen[h]; ok {
			dups++
			continue
		}
		seen[h] = struct{}{}
	}
	return dups
}

// iqrOutliers applies the 1.5×IQR rule with linearly interpolated quartiles.
func iqrOutliers(nums []float64) (lower, upper float64, count int) {
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lower, upper = q1-1.5*iqr, q3+1.5*iqr
	for _, v := range sorted {
		if v < lower || v > upper {
			count++
		}
	}
	return lower, upper, count
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := math.Floor(pos)
	hi := math.Ceil(pos)
	if lo == hi {
		return sorted[int(lo)]
	}
	return sorted[int(lo)] + (sorted[int(hi)]-sorted[int(lo)])*(pos-lo)
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*10000) / 10000
}
