package validation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/domain/model"
)

func findingFor(t *testing.T, findings []model.ValidationFinding, col string, vt model.ValidationType) model.ValidationFinding {
	t.Helper()
	for _, f := range findings {
		if f.ColumnName == col && f.ValidationType == vt {
			return f
		}
	}
	t.Fatalf("no %s finding for column %s", vt, col)
	return model.ValidationFinding{}
}

func column(name string, values ...any) []model.Row {
	rows := make([]model.Row, len(values))
	for i, v := range values {
		rows[i] = model.Row{name: v}
	}
	return rows
}

func TestEngine_RequiredNullIsError(t *testing.T) {
	e := NewEngine(EngineOptions{})
	sample := []model.Row{
		{"id": int64(1), "email": "a@example.com"},
		{"id": int64(2), "email": "b@example.com"},
		{"id": int64(3), "email": nil},
		{"id": int64(4), "email": "d@example.com"},
		{"id": int64(5), "email": "e@example.com"},
	}
	findings, err := e.Validate(context.Background(), Request{
		SessionID: "s1",
		Columns: []model.ColumnSpec{
			{Name: "id", Type: "integer"},
			{Name: "email", Type: "email", Required: true},
		},
		Sample: sample,
	})
	require.NoError(t, err)

	nulls := findingFor(t, findings, "email", model.ValidationNullCheck)
	assert.Equal(t, model.SeverityError, nulls.Severity)
	assert.Equal(t, 1, nulls.Result.Count)
	assert.Equal(t, 0.2, nulls.Result.Ratio)
	assert.True(t, nulls.Result.Required)

	assert.Equal(t, model.SeverityInfo, findingFor(t, findings, "id", model.ValidationNullCheck).Severity)
	assert.Equal(t, model.SeverityError, model.WorstSeverity(findings))
}

func TestEngine_NullBands(t *testing.T) {
	e := NewEngine(EngineOptions{})
	tests := []struct {
		nulls int
		want  model.Severity
	}{
		{0, model.SeverityInfo},
		{1, model.SeverityInfo},
		{2, model.SeverityWarning},
		{5, model.SeverityWarning},
		{6, model.SeverityError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_nulls", tt.nulls), func(t *testing.T) {
			values := make([]any, 10)
			for i := range values {
				if i < tt.nulls {
					values[i] = "  "
				} else {
					values[i] = fmt.Sprintf("v%d", i)
				}
			}
			findings, err := e.Validate(context.Background(), Request{Sample: column("c", values...)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, findingFor(t, findings, "c", model.ValidationNullCheck).Severity)
		})
	}
}

func TestEngine_DuplicatesIgnoreUnicodeComposition(t *testing.T) {
	e := NewEngine(EngineOptions{})
	findings, err := e.Validate(context.Background(), Request{
		Sample: column("city", "Bogot\u00e1", "Bogota\u0301", " Bogot\u00e1 ", "Lima"),
	})
	require.NoError(t, err)
	dups := findingFor(t, findings, "city", model.ValidationDuplicateCheck)
	assert.Equal(t, 2, dups.Result.Count)
	assert.Equal(t, model.SeverityInfo, dups.Severity)
}

func TestEngine_TypeInferenceAndMismatch(t *testing.T) {
	e := NewEngine(EngineOptions{})

	t.Run("eighty percent infers", func(t *testing.T) {
		values := []any{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io", "g@x.io", "h@x.io", "nope", "no"}
		findings, err := e.Validate(context.Background(), Request{Sample: column("mail", values...)})
		require.NoError(t, err)
		f := findingFor(t, findings, "mail", model.ValidationTypeCheck)
		assert.Equal(t, "email", f.Result.InferredType)
		assert.Zero(t, f.Result.Count, "no declared type, nothing to mismatch")
	})

	t.Run("below threshold falls back to string", func(t *testing.T) {
		values := []any{"1", "2", "3", "4", "5", "6", "7", "x", "y", "z"}
		findings, err := e.Validate(context.Background(), Request{Sample: column("c", values...)})
		require.NoError(t, err)
		assert.Equal(t, "string", findingFor(t, findings, "c", model.ValidationTypeCheck).Result.InferredType)
	})

	t.Run("native ints infer integer", func(t *testing.T) {
		findings, err := e.Validate(context.Background(), Request{Sample: column("n", int64(1), int64(2), 3.0)})
		require.NoError(t, err)
		assert.Equal(t, "integer", findingFor(t, findings, "n", model.ValidationTypeCheck).Result.InferredType)
	})

	tests := []struct {
		name     string
		bad      int
		required bool
		want     model.Severity
	}{
		{"clean", 0, false, model.SeverityInfo},
		{"one in ten", 1, false, model.SeverityWarning},
		{"two in ten", 2, false, model.SeverityError},
		{"required column", 1, true, model.SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := make([]any, 10)
			for i := range values {
				values[i] = fmt.Sprint(i)
				if i < tt.bad {
					values[i] = "abc"
				}
			}
			findings, err := e.Validate(context.Background(), Request{
				Columns: []model.ColumnSpec{{Name: "qty", Type: "integer", Required: tt.required}},
				Sample:  column("qty", values...),
			})
			require.NoError(t, err)
			f := findingFor(t, findings, "qty", model.ValidationTypeCheck)
			assert.Equal(t, tt.bad, f.Result.Count)
			assert.Equal(t, tt.want, f.Severity)
		})
	}
}

func TestEngine_Outliers(t *testing.T) {
	e := NewEngine(EngineOptions{})
	values := []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6), int64(7), int64(8), int64(9), int64(100)}

	findings, err := e.Validate(context.Background(), Request{Sample: column("amount", values...), Outliers: true})
	require.NoError(t, err)
	f := findingFor(t, findings, "amount", model.ValidationOutlierCheck)
	assert.Equal(t, 1, f.Result.Count)
	require.NotNil(t, f.Result.UpperFence)
	assert.InDelta(t, 14.5, *f.Result.UpperFence, 1e-9)
	assert.Equal(t, model.SeverityInfo, f.Severity)

	findings, err = e.Validate(context.Background(), Request{Sample: column("amount", values...)})
	require.NoError(t, err)
	for _, f := range findings {
		assert.NotEqual(t, model.ValidationOutlierCheck, f.ValidationType, "outliers only when requested")
	}
}

func TestEngine_RowFindingsAndCompleteness(t *testing.T) {
	e := NewEngine(EngineOptions{})
	sample := []model.Row{
		{"a": "x", "b": int64(1)},
		{"a": "x", "b": 1.0},
		{"a": nil, "b": ""},
		{"a": "y", "b": int64(2)},
	}
	findings, err := e.Validate(context.Background(), Request{SessionID: "s", Sample: sample})
	require.NoError(t, err)
	assert.Len(t, findings, 2*3+2)

	var empty, dup model.ValidationFinding
	for _, f := range findings {
		if f.ColumnName != model.RowFindingColumn {
			continue
		}
		assert.Equal(t, model.ValidationRowCheck, f.ValidationType)
		switch f.Result.Message {
		case "empty_rows":
			empty = f
		case "duplicate_rows":
			dup = f
		}
	}
	assert.Equal(t, 1, empty.Result.Count)
	assert.Equal(t, model.SeverityWarning, empty.Severity)
	assert.Equal(t, 1, dup.Result.Count)
}

func TestEngine_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(EngineOptions{}).Validate(ctx, Request{Sample: column("c", "x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBand_Grade(t *testing.T) {
	b := Band{Low: 0.1, High: 0.5}
	assert.Equal(t, model.SeverityInfo, b.Grade(0.1))
	assert.Equal(t, model.SeverityWarning, b.Grade(0.5))
	assert.Equal(t, model.SeverityError, b.Grade(0.51))
}
