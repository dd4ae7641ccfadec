// Package metrics names and tags the StatsD series the engine emits. Every
// helper is a no-op when the sink is nil.
package metrics

import (
	"time"

	obserrors "github.com/target/etl-loader/internal/observability/errors"
	"github.com/target/etl-loader/internal/observability/statsd"
)

// Result tag values.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultNoop     = "noop"
	ResultRejected = "rejected"
)

// Outcome picks the result tag for an operation that touched count items.
func Outcome(err error, count int64) string {
	switch {
	case err != nil:
		return ResultError
	case count == 0:
		return ResultNoop
	default:
		return ResultSuccess
	}
}

// WithErrorClass adds error_class to tags when err is set.
func WithErrorClass(tags map[string]string, err error) map[string]string {
	if err == nil {
		return tags
	}
	if class := obserrors.Classify(err); class != "" {
		if tags == nil {
			tags = map[string]string{}
		}
		tags["error_class"] = class
	}
	return tags
}

// JobMetric describes one job state transition.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle counts a transition and times it when a duration is known.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Result == ResultError {
		tags = WithErrorClass(tags, in.Err)
	}
	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// ChunkMetric is the outcome of one committed or failed chunk.
type ChunkMetric struct {
	TargetTable string
	Inserted    int64
	Updated     int64
	Errors      int64
	Duration    time.Duration
}

// EmitChunk records per-chunk row counts and latency.
func EmitChunk(sink statsd.Sink, in ChunkMetric) {
	if sink == nil {
		return
	}
	rows := func(kind string, n int64) {
		if n > 0 {
			sink.Count("load.rows", n, map[string]string{"kind": kind, "target_table": in.TargetTable})
		}
	}
	rows("inserted", in.Inserted)
	rows("updated", in.Updated)
	rows("error", in.Errors)
	sink.Timing("load.chunk_duration", in.Duration, map[string]string{"target_table": in.TargetTable})
}

// LoadMetric is the final outcome of a load.
type LoadMetric struct {
	TargetTable string
	Mode        string
	Status      string
	SuccessRate float64
	Duration    time.Duration
	Err         error
}

// EmitLoad records the result of a load and its row success rate.
func EmitLoad(sink statsd.Sink, in LoadMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{"status": in.Status, "mode": in.Mode, "target_table": in.TargetTable}
	sink.Count("load.result", 1, WithErrorClass(tags, in.Err))
	sink.Gauge("load.success_rate", in.SuccessRate, map[string]string{"target_table": in.TargetTable})
	if in.Duration > 0 {
		sink.Timing("load.duration", in.Duration, map[string]string{"status": in.Status, "target_table": in.TargetTable})
	}
}

// EmitRollback records a rollback attempt. Rejected attempts are not errors.
func EmitRollback(sink statsd.Sink, rejected bool, err error, d time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": ResultSuccess}
	switch {
	case err == nil:
	case rejected:
		tags["result"] = ResultRejected
	default:
		tags = WithErrorClass(map[string]string{"result": ResultError}, err)
	}
	sink.Count("rollback.result", 1, tags)
	sink.Timing("rollback.duration", d, CloneTags(tags))
}

// CloneTags returns a shallow copy of src, or nil when it is empty.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
