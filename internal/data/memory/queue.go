// Package memory provides in-process implementations of the repository ports.
// They back tests and DB_DRIVER=memory development runs; nothing survives a restart.
package memory

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	domainjob "github.com/target/etl-loader/internal/domain/job"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

type queueItem struct {
	id       string
	jobType  model.JobType
	priority int
	created  time.Time
	seq      uint64
	index    int
}

// pendingHeap orders pending jobs by priority, then age, then enqueue order.
type pendingHeap []*queueItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].created.Equal(h[j].created) {
		return h[i].created.Before(h[j].created)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// QueueOptions configure a Queue.
type QueueOptions struct {
	TimeProvider data.TimeProvider
	Waiter       *domainjob.LocalWaiter
}

// Queue is a priority job queue guarded by a single mutex. All pending jobs
// share one heap so priority and age decide across types. Every status
// change goes through the shared transition table.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	pending pendingHeap
	items   map[string]*queueItem
	seq     uint64

	clock  data.TimeProvider
	waiter *domainjob.LocalWaiter
}

// NewQueue creates an empty Queue.
func NewQueue(opts QueueOptions) *Queue {
	q := &Queue{
		jobs:   make(map[string]*model.Job),
		items:  make(map[string]*queueItem),
		clock:  opts.TimeProvider,
		waiter: opts.Waiter,
	}
	if q.clock == nil {
		q.clock = data.RealTimeProvider{}
	}
	if q.waiter == nil {
		q.waiter = domainjob.NewLocalWaiter()
	}
	return q
}

// Waiter exposes the queue's wakeup source for a notifier.
func (q *Queue) Waiter() *domainjob.LocalWaiter { return q.waiter }

// Create adds a pending job.
func (q *Queue) Create(_ context.Context, req *model.EnqueueJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job")
	}

	q.mu.Lock()
	if _, exists := q.jobs[req.ID]; exists {
		q.mu.Unlock()
		return nil, apperrors.DuplicateJob(req.ID)
	}
	now := q.clock.Now()
	job := &model.Job{
		ID:         req.ID,
		SessionID:  req.SessionID,
		Type:       req.Type,
		Status:     model.JobStatusPending,
		Priority:   req.Priority,
		Parameters: append(json.RawMessage(nil), req.Parameters...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.jobs[job.ID] = job
	q.seq++
	it := &queueItem{id: job.ID, jobType: job.Type, priority: job.Priority, created: now, seq: q.seq}
	q.items[job.ID] = it
	heap.Push(&q.pending, it)
	out := job.Clone()
	q.mu.Unlock()

	q.waiter.Notify(job.Type)
	return out, nil
}

// GetByID returns a copy of the job.
func (q *Queue) GetByID(_ context.Context, id string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return job.Clone(), nil
}

// ReserveNext pops the best pending job whose type is in jobTypes and moves
// it to processing.
func (q *Queue) ReserveNext(_ context.Context, jobTypes []model.JobType, leaseSeconds int) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.popFirst(jobTypes)
	if it == nil {
		return nil, model.ErrNoJobsAvailable
	}
	delete(q.items, it.id)

	job := q.jobs[it.id]
	now := q.clock.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	job.Status = model.JobStatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return job.Clone(), nil
}

// popFirst pops in heap order until an item of one of jobTypes appears and
// pushes the skipped items back. Must hold q.mu.
func (q *Queue) popFirst(jobTypes []model.JobType) *queueItem {
	var skipped []*queueItem
	defer func() {
		for _, s := range skipped {
			heap.Push(&q.pending, s)
		}
	}()
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*queueItem)
		if slices.Contains(jobTypes, it.jobType) {
			return it
		}
		skipped = append(skipped, it)
	}
	return nil
}

// WaitForNotification blocks until a job of jobType is enqueued or ctx ends.
func (q *Queue) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return q.waiter.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease of a processing job.
func (q *Queue) Heartbeat(_ context.Context, id string, leaseSeconds int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}
	now := q.clock.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return true, nil
}

// UpdateProgress raises the progress of a processing job.
func (q *Queue) UpdateProgress(_ context.Context, id string, progress int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}
	progress = min(max(progress, 0), 100)
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = q.clock.Now()
	return true, nil
}

// transition applies to when the job's current status allows it. Must hold q.mu.
func (q *Queue) transition(id string, to model.JobStatus, apply func(*model.Job, time.Time)) bool {
	job, ok := q.jobs[id]
	if !ok || !domainjob.CanTransition(job.Status, to) {
		return false
	}
	if job.Status == model.JobStatusPending {
		q.removePending(job)
	}
	now := q.clock.Now()
	job.Status = to
	job.UpdatedAt = now
	if to.Terminal() {
		job.CompletedAt = &now
		job.LeaseExpiresAt = nil
	}
	if apply != nil {
		apply(job, now)
	}
	return true
}

func (q *Queue) removePending(job *model.Job) {
	it, ok := q.items[job.ID]
	if !ok {
		return
	}
	heap.Remove(&q.pending, it.index)
	delete(q.items, job.ID)
}

// Complete moves a processing job to completed.
func (q *Queue) Complete(_ context.Context, id string, result json.RawMessage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transition(id, model.JobStatusCompleted, func(j *model.Job, _ time.Time) {
		j.Progress = 100
		if len(result) > 0 {
			j.Result = append(json.RawMessage(nil), result...)
		}
	}), nil
}

// Fail moves a processing job to failed.
func (q *Queue) Fail(_ context.Context, id, errMsg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transition(id, model.JobStatusFailed, func(j *model.Job, _ time.Time) {
		j.ErrorMessage = &errMsg
	}), nil
}

// Cancel moves a pending or processing job to cancelled.
func (q *Queue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := model.CancelledByUserMessage
	return q.transition(id, model.JobStatusCancelled, func(j *model.Job, _ time.Time) {
		j.ErrorMessage = &msg
	}), nil
}

// QueueStatus summarises the queue per status.
func (q *Queue) QueueStatus(_ context.Context) (*model.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type acc struct {
		count    int
		total    float64
		measured int
	}
	per := make(map[model.JobStatus]*acc)
	for _, j := range q.jobs {
		a, ok := per[j.Status]
		if !ok {
			a = &acc{}
			per[j.Status] = a
		}
		a.count++
		if j.StartedAt != nil && j.CompletedAt != nil {
			a.total += j.CompletedAt.Sub(*j.StartedAt).Seconds()
			a.measured++
		}
	}

	out := &model.QueueStatus{Statuses: make(map[model.JobStatus]model.StatusSummary, len(per))}
	for status, a := range per {
		sum := model.StatusSummary{Count: a.count}
		if a.measured > 0 {
			sum.AvgDurationSeconds = a.total / float64(a.measured)
		}
		out.Statuses[status] = sum
	}
	return out, nil
}

// FailExpiredLeases fails up to limit processing jobs whose lease ran out.
func (q *Queue) FailExpiredLeases(_ context.Context, limit int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	msg := model.LeaseExpiredMessage
	var n int64
	for id, j := range q.jobs {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if j.Status != model.JobStatusProcessing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if q.transition(id, model.JobStatusFailed, func(j *model.Job, _ time.Time) { j.ErrorMessage = &msg }) {
			n++
		}
	}
	return n, nil
}

// DeleteTerminalBefore removes up to limit finished jobs completed before cutoff.
func (q *Queue) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, j := range q.jobs {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		n++
	}
	return n, nil
}

// CancelAllPending cancels every pending job with msg.
func (q *Queue) CancelAllPending(_ context.Context, msg string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, j := range q.jobs {
		if j.Status != model.JobStatusPending {
			continue
		}
		if q.transition(id, model.JobStatusCancelled, func(j *model.Job, _ time.Time) { j.ErrorMessage = &msg }) {
			n++
		}
	}
	return n, nil
}

var (
	_ core.JobRepository            = (*Queue)(nil)
	_ core.JobMaintenanceRepository = (*Queue)(nil)
	_ domainjob.Waiter              = (*Queue)(nil)
)
