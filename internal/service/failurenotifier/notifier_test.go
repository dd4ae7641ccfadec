package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/observability/notify"
)

type capture struct {
	mu       sync.Mutex
	received []notify.JobFailurePayload
}

func (c *capture) sink() notify.Sink {
	return notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.received = append(c.received, payload)
		return nil
	})
}

func TestServiceNotifyJobFailure(t *testing.T) {
	var a, b capture
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "a", Sink: a.sink()},
			{Name: "b", Sink: b.sink()},
			{Name: "nil"},
		},
	})
	require.True(t, svc.Enabled())

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123", JobType: "load"})

	require.Len(t, a.received, 1)
	require.Len(t, b.received, 1)
	assert.Equal(t, notify.SeverityCritical, a.received[0].Severity)
}

func TestServiceDisabled(t *testing.T) {
	assert.False(t, NewService(Options{}).Enabled())
	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
}

func TestServiceSinkErrorsDoNotBlockOthers(t *testing.T) {
	var ok capture
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			})},
			{Name: "ok", Sink: ok.sink()},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
	assert.Len(t, ok.received, 1)
}

func TestServiceFiltersJobTypes(t *testing.T) {
	var c capture
	svc := NewService(Options{
		Sinks:    []SinkRegistration{{Name: "capture", Sink: c.sink()}},
		JobTypes: []model.JobType{model.JobTypeLoad},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "v", JobType: string(model.JobTypeValidate)})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "l", JobType: string(model.JobTypeLoad)})

	require.Len(t, c.received, 1)
	assert.Equal(t, "l", c.received[0].JobID)
}

func TestServiceCooldownPerLoad(t *testing.T) {
	var c capture
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(Options{
		Sinks:    []SinkRegistration{{Name: "capture", Sink: c.sink()}},
		Cooldown: 10 * time.Minute,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j1", HistoryID: "h1"})
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j2", HistoryID: "h1"})
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j3", HistoryID: "h2"})
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j4"})
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j4"})
	require.Len(t, c.received, 3)

	now = now.Add(10 * time.Minute)
	svc.NotifyJobFailure(ctx, notify.JobFailurePayload{JobID: "j5", HistoryID: "h1"})
	require.Len(t, c.received, 4)
	assert.Equal(t, "j5", c.received[3].JobID)
}

func TestServiceSinkTimeout(t *testing.T) {
	var deadline bool
	svc := NewService(Options{
		SinkTimeout: 20 * time.Millisecond,
		Sinks: []SinkRegistration{{Name: "slow", Sink: notify.SinkFunc(func(ctx context.Context, _ notify.JobFailurePayload) error {
			_, deadline = ctx.Deadline()
			<-ctx.Done()
			return ctx.Err()
		})}},
	})

	start := time.Now()
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j"})
	assert.True(t, deadline)
	assert.Less(t, time.Since(start), time.Second)
}
