// Package transform maps source rows onto target columns and runs the
// configured steps for each column. A failing step skips the row, never the
// chunk.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/validation"
)

// Spec is what a pipeline is built from.
type Spec struct {
	Mapping    []model.ColumnMapping
	Transforms map[string][]model.StepSpec
	// Required columns must be non-null once every step has run.
	Required []string
}

// BuilderOptions configure a Builder.
type BuilderOptions struct {
	// Registry resolves custom steps. Pipelines without custom steps do not
	// need one.
	Registry *Registry
	Sandbox  *Sandbox
	Logger   *slog.Logger
}

// Builder compiles pipelines.
type Builder struct {
	registry *Registry
	sandbox  *Sandbox
	logger   *slog.Logger
}

// NewBuilder returns a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	sb := opts.Sandbox
	if sb == nil {
		sb = NewSandbox(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: opts.Registry, sandbox: sb, logger: logger.With("component", "transform")}
}

// Build compiles spec. Custom programs are resolved once here so a whole load
// runs against one version of each definition.
func (b *Builder) Build(ctx context.Context, spec Spec) (*Pipeline, error) {
	var resolve programResolver
	if b.registry != nil {
		resolve = b.registry.Resolve
	}
	p := &Pipeline{
		mapping:  append([]model.ColumnMapping(nil), spec.Mapping...),
		steps:    make(map[string][]step, len(spec.Transforms)),
		required: append([]string(nil), spec.Required...),
	}
	for col, specs := range spec.Transforms {
		compiled := make([]step, 0, len(specs))
		for i, s := range specs {
			st, err := compileStep(ctx, s, resolve, b.sandbox)
			if err != nil {
				return nil, fmt.Errorf("transforms[%s][%d]: %w", col, i, err)
			}
			compiled = append(compiled, st)
		}
		p.steps[col] = compiled
		p.order = append(p.order, col)
	}
	// Mapped columns run first in mapping order, then the rest by name.
	rank := make(map[string]int, len(spec.Mapping))
	for i, m := range spec.Mapping {
		rank[m.Target] = i
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		ri, iok := rank[p.order[i]]
		rj, jok := rank[p.order[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return p.order[i] < p.order[j]
		}
	})
	b.logger.DebugContext(ctx, "pipeline built", "mapped", len(p.mapping), "transformed", len(p.order))
	return p, nil
}

// Pipeline is a compiled transform plan. It holds no per-row state and may be
// shared between goroutines.
type Pipeline struct {
	mapping  []model.ColumnMapping
	steps    map[string][]step
	order    []string
	required []string
}

// Apply transforms one row. It returns either the target row or the reason
// the row was skipped; exactly one is non-nil.
func (p *Pipeline) Apply(ctx context.Context, row model.Row, rowIndex int64) (model.Row, *model.SkippedRow) {
	out := p.project(row)
	for _, col := range p.order {
		v := out[col]
		for _, st := range p.steps[col] {
			next, err := st.fn(ctx, v)
			if err != nil {
				return nil, &model.SkippedRow{RowIndex: rowIndex, Column: col, Step: st.label, Reason: err.Error()}
			}
			v = next
		}
		out[col] = v
	}
	for _, col := range p.required {
		if validation.IsNull(out[col]) {
			return nil, &model.SkippedRow{
				RowIndex: rowIndex,
				Column:   col,
				Step:     string(model.StepRequire),
				Reason:   ErrRequired.Error(),
			}
		}
	}
	return out, nil
}

// project renames and selects mapped columns. Without a mapping every source
// column passes through.
func (p *Pipeline) project(row model.Row) model.Row {
	if len(p.mapping) == 0 {
		return row.Clone()
	}
	out := make(model.Row, len(p.mapping))
	for _, m := range p.mapping {
		out[m.Target] = row[m.Source]
	}
	return out
}

// Result is the outcome of applying a pipeline to a batch.
type Result struct {
	Rows []model.Row
	// Indexes holds the dataset index of each entry in Rows.
	Indexes []int64
	Skipped []model.SkippedRow
}

// ApplyAll transforms rows whose first dataset index is firstIndex.
func (p *Pipeline) ApplyAll(ctx context.Context, rows []model.Row, firstIndex int64) (Result, error) {
	res := Result{
		Rows:    make([]model.Row, 0, len(rows)),
		Indexes: make([]int64, 0, len(rows)),
	}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		idx := firstIndex + int64(i)
		out, skipped := p.Apply(ctx, row, idx)
		if skipped != nil {
			res.Skipped = append(res.Skipped, *skipped)
			continue
		}
		res.Rows = append(res.Rows, out)
		res.Indexes = append(res.Indexes, idx)
	}
	return res, nil
}
