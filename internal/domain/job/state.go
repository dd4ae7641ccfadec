package job

import (
	"fmt"

	"github.com/target/etl-loader/internal/domain/model"
)

// transitions lists the status changes a job may make. Terminal states have
// no outgoing edges and nothing returns to pending.
var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending: {
		model.JobStatusProcessing,
		model.JobStatusCancelled,
	},
	model.JobStatusProcessing: {
		model.JobStatusCompleted,
		model.JobStatusFailed,
		model.JobStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to model.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	JobID string
	From  model.JobStatus
	To    model.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// CheckTransition returns a *TransitionError when from -> to is not legal.
func CheckTransition(jobID string, from, to model.JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{JobID: jobID, From: from, To: to}
}

// SourcesOf returns every status that may legally move to to, in a stable
// order. Repositories use it as the compare-and-set guard of an update.
func SourcesOf(to model.JobStatus) []model.JobStatus {
	var out []model.JobStatus
	for _, from := range []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
