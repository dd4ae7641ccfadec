package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/etl-loader/internal/data/memory"
	domainjob "github.com/target/etl-loader/internal/domain/job"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/mocks"
	"github.com/target/etl-loader/internal/observability/notify"
	"github.com/target/etl-loader/internal/service/failurenotifier"
)

type stubJobNotifier struct {
	subscribeCalls []model.JobType
	stopCalled     bool
}

func (s *stubJobNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	s.subscribeCalls = append(s.subscribeCalls, jobType)
	ch := make(chan struct{})
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }, ch
}

func (s *stubJobNotifier) StopAll() { s.stopCalled = true }

var _ domainjob.Notifier = (*stubJobNotifier)(nil)

func newTestJobService(t *testing.T, repo *mocks.MockJobRepository) (*JobService, *stubJobNotifier) {
	t.Helper()
	notifier := &stubJobNotifier{}
	svc := MustNewJobService(JobServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
	})
	return svc, notifier
}

func loadParams(t *testing.T, p model.LoadParameters) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, err := NewJobService(JobServiceOptions{DefaultLease: time.Second})
	require.Error(t, err, "repo is required")

	_, err = NewJobService(JobServiceOptions{Repo: mocks.NewMockJobRepository(ctrl)})
	require.Error(t, err, "a lease is required")

	svc, err := NewJobService(JobServiceOptions{
		Repo:         mocks.NewMockJobRepository(ctrl),
		DefaultLease: time.Minute,
		Notifier:     &stubJobNotifier{},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, svc.leasePolicy.Default())

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
}

func TestJobService_EnqueueRejectsInvalidRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	tests := []struct {
		name string
		req  *model.EnqueueJobRequest
	}{
		{"nil request", nil},
		{"unknown type", &model.EnqueueJobRequest{Type: "export", Parameters: json.RawMessage(`{}`)}},
		{"priority out of range", &model.EnqueueJobRequest{
			Type:       model.JobTypeRollback,
			Priority:   101,
			Parameters: json.RawMessage(`{"history_id":"h"}`),
		}},
		{"missing target", &model.EnqueueJobRequest{
			Type:       model.JobTypeLoad,
			Parameters: json.RawMessage(`{"source_ref":"ds","mode":"insert"}`),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestJobService_Enqueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	req := &model.EnqueueJobRequest{
		Type:     model.JobTypeLoad,
		Priority: 7,
		Parameters: loadParams(t, model.LoadParameters{
			SourceRef: "ds-1", TargetTable: "orders", Mode: model.LoadModeInsert,
		}),
	}
	repo.EXPECT().Create(gomock.Any(), req).DoAndReturn(
		func(_ context.Context, r *model.EnqueueJobRequest) (*model.Job, error) {
			assert.NotEmpty(t, r.ID, "ids are generated before the repository sees the request")
			assert.Equal(t, r.ID, r.SessionID)
			return &model.Job{ID: r.ID, Type: r.Type, Priority: r.Priority, Status: model.JobStatusPending}, nil
		})

	job, err := svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 7, job.Priority)
}

func TestJobService_EnqueueDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	req := &model.EnqueueJobRequest{
		ID:         "6f1c1d1e-8a5b-4d8e-9a55-7a2b4e0f9c11",
		Type:       model.JobTypeRollback,
		Parameters: json.RawMessage(`{"history_id":"h-1"}`),
	}
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, apperrors.DuplicateJob(req.ID))

	_, err := svc.Enqueue(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestJobService_EnqueueFreezesActiveConfig(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	configs := memory.NewConfigStore(nil)
	ctx := context.Background()

	_, err := configs.Publish(ctx, "orders-daily", json.RawMessage(`{"target_table":"staging_old","mode":"insert"}`))
	require.NoError(t, err)
	_, err = configs.Publish(ctx, "orders-daily", json.RawMessage(`{
		"target_table": "orders",
		"mode": "upsert",
		"key_columns": ["order_id"],
		"mapping": [{"source": "Order ID", "target": "order_id"}],
		"transforms": {"status": [{"kind": "text", "ops": ["upper"]}]}
	}`))
	require.NoError(t, err)

	resolver, err := NewConfigResolver(ConfigResolverOptions{Repo: configs})
	require.NoError(t, err)
	svc := MustNewJobService(JobServiceOptions{
		Repo:         repo,
		Configs:      resolver,
		DefaultLease: 30 * time.Second,
		Notifier:     &stubJobNotifier{},
	})

	var stored model.LoadParameters
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, r *model.EnqueueJobRequest) (*model.Job, error) {
			require.NoError(t, json.Unmarshal(r.Parameters, &stored))
			return &model.Job{ID: r.ID, Type: r.Type, Parameters: r.Parameters}, nil
		})

	_, err = svc.Enqueue(ctx, &model.EnqueueJobRequest{
		Type:       model.JobTypeLoad,
		Parameters: json.RawMessage(`{"source_ref":"ds-9","config_name":"orders-daily","chunk_size":50}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "orders", stored.TargetTable)
	assert.Equal(t, model.LoadModeUpsert, stored.Mode)
	assert.Equal(t, []string{"order_id"}, stored.KeyColumns)
	assert.Equal(t, 2, stored.ConfigVersion)
	assert.Equal(t, 50, stored.ChunkSize, "explicit job values win")
	require.Len(t, stored.Transforms["status"], 1)
}

func TestJobService_EnqueueUnknownConfig(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	configs := mocks.NewMockConfigVersionRepository(ctrl)
	configs.EXPECT().GetActive(gomock.Any(), "missing").Return(nil, apperrors.NotFound("no rows"))

	resolver, err := NewConfigResolver(ConfigResolverOptions{Repo: configs})
	require.NoError(t, err)
	svc := MustNewJobService(JobServiceOptions{
		Repo: repo, Configs: resolver, DefaultLease: time.Second, Notifier: &stubJobNotifier{},
	})

	_, err = svc.Enqueue(context.Background(), &model.EnqueueJobRequest{
		Type:       model.JobTypeLoad,
		Parameters: json.RawMessage(`{"source_ref":"ds","config_name":"missing"}`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "config_name", apperrors.GetField(err))
}

func TestJobService_ReserveNext(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)
	ctx := context.Background()

	repo.EXPECT().ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 30).Return(&model.Job{ID: "a"}, nil)
	job, err := svc.ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)

	repo.EXPECT().ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 1).Return(nil, model.ErrNoJobsAvailable)
	_, err = svc.ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 10*time.Millisecond)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	repo.EXPECT().ReserveNext(ctx, []model.JobType{model.JobTypeValidate, model.JobTypeRollback}, 90).Return(nil, errors.New("connection refused"))
	_, err = svc.ReserveNext(ctx, []model.JobType{model.JobTypeValidate, model.JobTypeRollback}, 90*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve next job")
}

func TestJobService_UpdateProgressBounds(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	_, err := svc.UpdateProgress(context.Background(), "j", 101)
	assert.True(t, apperrors.IsValidation(err))

	repo.EXPECT().UpdateProgress(gomock.Any(), "j", 40).Return(true, nil)
	ok, err := svc.UpdateProgress(context.Background(), "j", 40)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_CompleteEncodesResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	summary := &model.LoadSummary{HistoryID: "h-1", SuccessRate: 100}
	repo.EXPECT().Complete(gomock.Any(), "j", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, raw json.RawMessage) (bool, error) {
			var got model.LoadSummary
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, "h-1", got.HistoryID)
			return true, nil
		})

	ok, err := svc.Complete(context.Background(), "j", summary)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("active job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestJobService(t, repo)
		repo.EXPECT().Cancel(ctx, "j").Return(true, nil)
		require.NoError(t, svc.Cancel(ctx, "j"))
	})

	t.Run("finished job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestJobService(t, repo)
		repo.EXPECT().Cancel(ctx, "j").Return(false, nil)
		repo.EXPECT().GetByID(ctx, "j").Return(&model.Job{ID: "j", Status: model.JobStatusCompleted}, nil)

		err := svc.Cancel(ctx, "j")
		require.Error(t, err)
		assert.True(t, apperrors.IsIllegalTransition(err), "got %v", err)
	})

	t.Run("missing job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		svc, _ := newTestJobService(t, repo)
		repo.EXPECT().Cancel(ctx, "j").Return(false, nil)
		repo.EXPECT().GetByID(ctx, "j").Return(nil, apperrors.NotFound("job not found"))

		assert.True(t, apperrors.IsNotFound(svc.Cancel(ctx, "j")))
	})
}

func TestJobService_FailNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	var got []notify.JobFailurePayload
	fn := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
				got = append(got, p)
				return nil
			}),
		}},
	})
	svc := MustNewJobService(JobServiceOptions{
		Repo: repo, DefaultLease: time.Second, Notifier: &stubJobNotifier{}, FailureNotifier: fn,
	})

	repo.EXPECT().GetByID(gomock.Any(), "j").Return(&model.Job{
		ID: "j", Type: model.JobTypeLoad, SessionID: "s", Priority: 5, Progress: 60,
	}, nil)
	repo.EXPECT().Fail(gomock.Any(), "j", "error-rate ceiling exceeded").Return(true, nil)

	ok, err := svc.FailWithDetails(context.Background(), "j", "error-rate ceiling exceeded", JobFailureDetails{
		HistoryID:   "h-1",
		TargetTable: "orders",
		ErrorClass:  "ceiling",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, got, 1)
	assert.Equal(t, "load", got[0].JobType)
	assert.Equal(t, "s", got[0].SessionID)
	assert.Equal(t, "orders", got[0].TargetTable)
	assert.Equal(t, notify.SeverityCritical, got[0].Severity)
	assert.Equal(t, map[string]string{"priority": "5", "progress": "60", "error_class": "ceiling"}, got[0].Metadata)

	_, err = svc.Fail(context.Background(), "j", "")
	require.Error(t, err)
}

func TestJobService_FailWithoutTransitionSkipsNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	called := false
	fn := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				called = true
				return nil
			}),
		}},
	})
	svc := MustNewJobService(JobServiceOptions{
		Repo: repo, DefaultLease: time.Second, Notifier: &stubJobNotifier{}, FailureNotifier: fn,
	})

	repo.EXPECT().GetByID(gomock.Any(), "j").Return(&model.Job{ID: "j"}, nil)
	repo.EXPECT().Fail(gomock.Any(), "j", "late").Return(false, nil)

	ok, err := svc.Fail(context.Background(), "j", "late")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestJobService_Shutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels pending when configured", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		maint := mocks.NewMockJobMaintenanceRepository(ctrl)
		notifier := &stubJobNotifier{}
		svc := MustNewJobService(JobServiceOptions{
			Repo:                  mocks.NewMockJobRepository(ctrl),
			Maintenance:           maint,
			DefaultLease:          time.Second,
			Notifier:              notifier,
			CancelPendingOnShutdown: true,
		})
		maint.EXPECT().CancelAllPending(ctx, model.ShutdownMessage).Return(int64(2), nil)

		require.NoError(t, svc.Shutdown(ctx))
		assert.True(t, notifier.stopCalled)
	})

	t.Run("keeps pending jobs otherwise", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		notifier := &stubJobNotifier{}
		svc := MustNewJobService(JobServiceOptions{
			Repo:         mocks.NewMockJobRepository(ctrl),
			Maintenance:  mocks.NewMockJobMaintenanceRepository(ctrl),
			DefaultLease: time.Second,
			Notifier:     notifier,
		})
		require.NoError(t, svc.Shutdown(ctx))
		assert.True(t, notifier.stopCalled)
	})
}

func TestJobService_SubscribeDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, notifier := newTestJobService(t, mocks.NewMockJobRepository(ctrl))

	unsub, ch := svc.Subscribe(model.JobTypeRollback)
	require.NotNil(t, ch)
	unsub()
	unsub()
	assert.Equal(t, []model.JobType{model.JobTypeRollback}, notifier.subscribeCalls)
}

// The in-memory queue drives the whole lifecycle the runner relies on.
func TestJobService_MemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	queue := memory.NewQueue(memory.QueueOptions{})
	svc := MustNewJobService(JobServiceOptions{
		Repo:                  queue,
		Maintenance:           queue,
		DefaultLease:          30 * time.Second,
		NotifierOptions:       domainjob.NotifierOptions{Waiter: queue.Waiter()},
		CancelPendingOnShutdown: true,
	})
	defer svc.StopAllListeners()

	params := loadParams(t, model.LoadParameters{SourceRef: "ds", TargetTable: "orders", Mode: model.LoadModeInsert})
	low, err := svc.Enqueue(ctx, &model.EnqueueJobRequest{Type: model.JobTypeLoad, Priority: 1, Parameters: params})
	require.NoError(t, err)
	high, err := svc.Enqueue(ctx, &model.EnqueueJobRequest{Type: model.JobTypeLoad, Priority: 9, Parameters: params})
	require.NoError(t, err)
	waiting, err := svc.Enqueue(ctx, &model.EnqueueJobRequest{Type: model.JobTypeLoad, Parameters: params})
	require.NoError(t, err)

	first, err := svc.ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 0)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID, "highest priority runs first")

	require.NoError(t, svc.Cancel(ctx, first.ID))
	cancelled, err := svc.IsCancelled(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, apperrors.IsIllegalTransition(svc.Cancel(ctx, first.ID)))

	second, err := svc.ReserveNext(ctx, []model.JobType{model.JobTypeLoad}, 0)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)
	_, err = svc.UpdateProgress(ctx, second.ID, 50)
	require.NoError(t, err)
	ok, err := svc.Complete(ctx, second.ID, map[string]int{"rows": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Shutdown(ctx))
	job, err := svc.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, model.ShutdownMessage, *job.ErrorMessage)

	status, err := svc.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total())
	assert.Equal(t, 1, status.Statuses[model.JobStatusCompleted].Count)
}
