package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

// EnqueueBuilder provides a fluent interface for building EnqueueJobRequest values.
type EnqueueBuilder struct {
	req *model.EnqueueJobRequest
}

// NewLoadJob starts a load job request for sourceRef into table.
func NewLoadJob(sourceRef, table string) *EnqueueBuilder {
	params, _ := json.Marshal(model.LoadParameters{
		SourceRef:   sourceRef,
		TargetTable: table,
		Mode:        model.LoadModeInsert,
	})
	return &EnqueueBuilder{req: &model.EnqueueJobRequest{
		Type:       model.JobTypeLoad,
		Priority:   50,
		Parameters: params,
	}}
}

// NewValidateJob starts a validation job request for sourceRef.
func NewValidateJob(sourceRef string) *EnqueueBuilder {
	return &EnqueueBuilder{req: &model.EnqueueJobRequest{
		Type:       model.JobTypeValidate,
		Parameters: json.RawMessage(fmt.Sprintf(`{"source_ref":%q}`, sourceRef)),
	}}
}

// NewRollbackJob starts a rollback job request for historyID.
func NewRollbackJob(historyID string) *EnqueueBuilder {
	return &EnqueueBuilder{req: &model.EnqueueJobRequest{
		Type:       model.JobTypeRollback,
		Parameters: json.RawMessage(fmt.Sprintf(`{"history_id":%q}`, historyID)),
	}}
}

// WithPriority sets the job priority.
func (b *EnqueueBuilder) WithPriority(p int) *EnqueueBuilder {
	b.req.Priority = p
	return b
}

// WithID sets the job id.
func (b *EnqueueBuilder) WithID(id string) *EnqueueBuilder {
	b.req.ID = id
	return b
}

// WithSession sets the session id.
func (b *EnqueueBuilder) WithSession(id string) *EnqueueBuilder {
	b.req.SessionID = id
	return b
}

// WithLoadParameters replaces the parameters with p.
func (b *EnqueueBuilder) WithLoadParameters(p model.LoadParameters) *EnqueueBuilder {
	raw, _ := json.Marshal(p)
	b.req.Parameters = raw
	return b
}

// Build returns the request.
func (b *EnqueueBuilder) Build() *model.EnqueueJobRequest {
	return b.req
}

// Rows builds n dataset rows with an integer id and a name column.
func Rows(n int) []model.Row {
	out := make([]model.Row, n)
	for i := range out {
		out[i] = model.Row{"id": int64(i + 1), "name": fmt.Sprintf("row-%d", i+1)}
	}
	return out
}

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }
