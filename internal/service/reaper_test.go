package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/data/memory"
	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/mocks"
)

type recordingSink struct {
	mu     sync.Mutex
	counts map[string][]map[string]string
	gauges map[string]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		counts: make(map[string][]map[string]string),
		gauges: make(map[string]float64),
	}
}

func (r *recordingSink) Count(name string, _ int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] = append(r.counts[name], tags)
}

func (r *recordingSink) Gauge(name string, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func (r *recordingSink) Timing(string, time.Duration, map[string]string) {}

// fakeHistoryMaintenance returns each queued count once, then zero.
type fakeHistoryMaintenance struct {
	expire    []int64
	purge     []int64
	expireCut time.Time
	purgeCut  time.Time
	err       error
}

func (f *fakeHistoryMaintenance) ExpireSnapshots(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.expireCut = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return pop(&f.expire), nil
}

func (f *fakeHistoryMaintenance) PurgeSegments(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.purgeCut = cutoff
	return pop(&f.purge), nil
}

func pop(xs *[]int64) int64 {
	if len(*xs) == 0 {
		return 0
	}
	v := (*xs)[0]
	*xs = (*xs)[1:]
	return v
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:      time.Minute,
		JobMaxAge:     24 * time.Hour,
		SnapshotTTL:   48 * time.Hour,
		StagingMaxAge: 12 * time.Hour,
		BatchSize:     10,
	}
}

func TestNewReaperService(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{})
	require.Error(t, err)

	ctrl := gomock.NewController(t)
	svc, err := NewReaperService(ReaperServiceOptions{
		Jobs:   mocks.NewMockJobMaintenanceRepository(ctrl),
		Config: testReaperConfig(),
		Logger: slog.Default(),
	})
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestReaperService_RunOnceDrainsBatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobMaintenanceRepository(ctrl)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := data.NewFixedTimeProvider(now)
	cfg := testReaperConfig()

	gomock.InOrder(
		jobs.EXPECT().FailExpiredLeases(gomock.Any(), 10).Return(int64(10), nil),
		jobs.EXPECT().FailExpiredLeases(gomock.Any(), 10).Return(int64(2), nil),
		jobs.EXPECT().FailExpiredLeases(gomock.Any(), 10).Return(int64(0), nil),
	)
	jobs.EXPECT().DeleteTerminalBefore(gomock.Any(), now.Add(-cfg.JobMaxAge), 10).Return(int64(4), nil)
	jobs.EXPECT().DeleteTerminalBefore(gomock.Any(), now.Add(-cfg.JobMaxAge), 10).Return(int64(0), nil)

	history := &fakeHistoryMaintenance{expire: []int64{3}, purge: []int64{7, 1}}
	sink := newRecordingSink()

	svc, err := NewReaperService(ReaperServiceOptions{
		Jobs:    jobs,
		History: history,
		Config:  cfg,
		Metrics: sink,
		Clock:   clock,
	})
	require.NoError(t, err)

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), report.ExpiredLeases)
	assert.Equal(t, int64(4), report.DeletedJobs)
	assert.Equal(t, int64(3), report.ExpiredSnapshots)
	assert.Equal(t, int64(8), report.PurgedSegments)
	assert.Equal(t, int64(27), report.Total())

	assert.Equal(t, now.Add(-cfg.SnapshotTTL), history.expireCut)
	assert.Equal(t, now.Add(-cfg.StagingMaxAge), history.purgeCut)

	require.Len(t, sink.counts["reaper.cleanup"], 1)
	assert.Equal(t, "success", sink.counts["reaper.cleanup"][0]["result"])
	assert.Len(t, sink.counts["reaper.cleanup_operation"], 4)
	assert.InDelta(t, float64(now.Unix()), sink.gauges["reaper.last_success_epoch"], 0)
}

func TestReaperService_RunOnceContinuesAfterError(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobMaintenanceRepository(ctrl)
	jobs.EXPECT().FailExpiredLeases(gomock.Any(), gomock.Any()).Return(int64(0), nil)
	jobs.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(int64(0), errors.New("connection reset"))

	history := &fakeHistoryMaintenance{purge: []int64{2}}
	sink := newRecordingSink()

	svc := mustReaper(t, ReaperServiceOptions{Jobs: jobs, History: history, Config: testReaperConfig(), Metrics: sink})

	report, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete old jobs")
	assert.Equal(t, int64(2), report.PurgedSegments)

	require.Len(t, sink.counts["reaper.cleanup"], 1)
	assert.Equal(t, "error", sink.counts["reaper.cleanup"][0]["result"])
	_, ok := sink.gauges["reaper.last_success_epoch"]
	assert.False(t, ok)
}

func TestReaperService_RunOnceCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobMaintenanceRepository(ctrl)
	jobs.EXPECT().FailExpiredLeases(gomock.Any(), gomock.Any()).Return(int64(0), context.Canceled)
	jobs.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), context.Canceled)

	svc := mustReaper(t, ReaperServiceOptions{Jobs: jobs, Config: testReaperConfig()})

	_, err := svc.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaperService_RunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobMaintenanceRepository(ctrl)
	jobs.EXPECT().FailExpiredLeases(gomock.Any(), gomock.Any()).Return(int64(0), nil).AnyTimes()
	jobs.EXPECT().DeleteTerminalBefore(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), nil).AnyTimes()

	svc := mustReaper(t, ReaperServiceOptions{Jobs: jobs, Config: testReaperConfig(), Logger: slog.Default()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaperService_MemoryStores(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := data.NewFixedTimeProvider(now)
	queue := memory.NewQueue(memory.QueueOptions{TimeProvider: clock})
	staging := memory.NewStagingStore(clock)

	req := &model.EnqueueJobRequest{Type: model.JobTypeValidate, Parameters: []byte(`{"source_ref":"orders"}`)}
	req.Normalize()
	_, err := queue.Create(ctx, req)
	require.NoError(t, err)
	reserved, err := queue.ReserveNext(ctx, []model.JobType{model.JobTypeValidate}, 5)
	require.NoError(t, err)

	_, err = staging.Append(ctx, "orders", []model.Row{{"id": 1}, {"id": 2}})
	require.NoError(t, err)

	clock.AddTime(13 * time.Hour)
	_, err = staging.Append(ctx, "customers", []model.Row{{"id": 9}})
	require.NoError(t, err)

	svc := mustReaper(t, ReaperServiceOptions{
		Jobs:    queue,
		Staging: staging,
		Config:  testReaperConfig(),
		Clock:   clock,
	})

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ExpiredLeases)
	assert.Equal(t, int64(0), report.DeletedJobs)
	assert.Equal(t, int64(2), report.DeletedStaging)

	job, err := queue.GetByID(ctx, reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, model.LeaseExpiredMessage, *job.ErrorMessage)

	n, err := staging.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.AddTime(25 * time.Hour)
	report, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.DeletedJobs)
}

func mustReaper(t *testing.T, opts ReaperServiceOptions) *ReaperService {
	t.Helper()
	svc, err := NewReaperService(opts)
	require.NoError(t, err)
	return svc
}
