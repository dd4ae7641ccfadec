package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

type historyEntry struct {
	rec      model.LoadHistoryRecord
	state    model.SnapshotState
	segments map[int]model.SnapshotSegment
}

// HistoryStore keeps load history, snapshot segments and rollback records in memory.
// Snapshot state follows the same lifecycle as the Postgres repository.
type HistoryStore struct {
	mu      sync.Mutex
	entries map[string]*historyEntry
	records []model.RollbackRecord
	clock   data.TimeProvider
}

// NewHistoryStore creates an empty HistoryStore.
func NewHistoryStore(clock data.TimeProvider) *HistoryStore {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &HistoryStore{entries: make(map[string]*historyEntry), clock: clock}
}

func (s *HistoryStore) entry(id string) (*historyEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.NotFoundf("load history %s not found", id)
	}
	return e, nil
}

func (e *historyEntry) snapshot() *model.LoadHistoryRecord {
	rec := e.rec
	if e.rec.ErrorMessage != nil {
		msg := *e.rec.ErrorMessage
		rec.ErrorMessage = &msg
	}
	if e.rec.CompletedAt != nil {
		t := *e.rec.CompletedAt
		rec.CompletedAt = &t
	}
	rd := model.RollbackData{State: e.state}
	if e.rec.RollbackData != nil {
		rd = *e.rec.RollbackData
		rd.State = e.state
		rd.KeyColumns = append([]string(nil), e.rec.RollbackData.KeyColumns...)
		rd.Columns = append([]string(nil), e.rec.RollbackData.Columns...)
	}
	rec.RollbackData = &rd
	return &rec
}

// Create stores rec as a processing load.
func (s *HistoryStore) Create(_ context.Context, rec *model.LoadHistoryRecord) error {
	if rec == nil {
		return errors.New("history record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, dup := s.entries[rec.ID]; dup {
		return apperrors.Conflictf("load history %s already exists", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = model.LoadStatusProcessing
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	stored := *rec
	stored.RollbackData = nil
	s.entries[rec.ID] = &historyEntry{rec: stored, state: model.SnapshotNone, segments: map[int]model.SnapshotSegment{}}
	return nil
}

// GetByID returns a copy of the record.
func (s *HistoryStore) GetByID(_ context.Context, id string) (*model.LoadHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// UpdateCounters stores running counters of an unfinished load.
func (s *HistoryStore) UpdateCounters(_ context.Context, id string, c model.LoadCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if e.rec.Status != model.LoadStatusProcessing {
		return apperrors.Conflictf("load history %s is already finalized", id)
	}
	applyCounters(&e.rec, c)
	return nil
}

func applyCounters(rec *model.LoadHistoryRecord, c model.LoadCounters) {
	rec.TotalRows = c.TotalRows
	rec.InsertedRows = c.InsertedRows
	rec.UpdatedRows = c.UpdatedRows
	rec.ErrorRows = c.ErrorRows
	rec.SuccessRate = model.SuccessRate(c.InsertedRows, c.UpdatedRows, c.TotalRows)
}

// AppendSegment stores the snapshot part of one committed chunk.
func (s *HistoryStore) AppendSegment(_ context.Context, seg model.SnapshotSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(seg.HistoryID)
	if err != nil {
		return err
	}
	seg.Inserted = append([]model.RowImage(nil), seg.Inserted...)
	seg.PreImages = append([]model.RowImage(nil), seg.PreImages...)
	e.segments[seg.ChunkIndex] = seg
	if e.state == model.SnapshotNone {
		e.state = model.SnapshotStaged
	}
	return nil
}

// Finalize records the terminal state of a load. Only a completed load
// with staged segments gets an active snapshot.
func (s *HistoryStore) Finalize(_ context.Context, p core.FinalizeLoadParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(p.ID)
	if err != nil {
		return err
	}
	if e.rec.Status != model.LoadStatusProcessing {
		return apperrors.Conflictf("load history %s is already finalized", p.ID)
	}
	now := s.clock.Now()
	applyCounters(&e.rec, p.Counters)
	e.rec.Status = p.Status
	e.rec.ExecutionTimeMs = p.ExecutionTimeMs
	e.rec.ErrorMessage = p.ErrorMessage
	e.rec.CompletedAt = &now

	if p.Status == model.LoadStatusCompleted && p.Rollback != nil {
		rd := *p.Rollback
		e.rec.RollbackData = &rd
		if e.state == model.SnapshotStaged {
			e.state = model.SnapshotActive
		}
		return nil
	}
	e.rec.RollbackData = nil
	e.state = model.SnapshotNone
	return nil
}

// ListSegments returns segments in chunk order.
func (s *HistoryStore) ListSegments(_ context.Context, historyID string) ([]model.SnapshotSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(historyID)
	if err != nil {
		return nil, err
	}
	out := make([]model.SnapshotSegment, 0, len(e.segments))
	for _, seg := range e.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// ClaimSnapshot moves an active snapshot of a completed load to restoring.
func (s *HistoryStore) ClaimSnapshot(_ context.Context, historyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[historyID]
	if !ok || e.rec.Status != model.LoadStatusCompleted || e.state != model.SnapshotActive {
		return false, nil
	}
	e.state = model.SnapshotRestoring
	return true, nil
}

// ReleaseSnapshot returns a claimed snapshot to active.
func (s *HistoryStore) ReleaseSnapshot(_ context.Context, historyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entry(historyID)
	if err != nil {
		return err
	}
	if e.state == model.SnapshotRestoring {
		e.state = model.SnapshotActive
	}
	return nil
}

// CompleteRollback marks a claimed snapshot spent and appends rec.
func (s *HistoryStore) CompleteRollback(_ context.Context, rec *model.RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[rec.HistoryID]
	if !ok || e.state != model.SnapshotRestoring {
		return apperrors.Conflictf("snapshot of %s is not claimed", rec.HistoryID)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	e.state = model.SnapshotSpent
	e.rec.RollbackData = nil
	s.records = append(s.records, *rec)
	return nil
}

// RollbackRecords returns the records appended for historyID.
func (s *HistoryStore) RollbackRecords(historyID string) []model.RollbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RollbackRecord
	for _, r := range s.records {
		if r.HistoryID == historyID {
			out = append(out, r)
		}
	}
	return out
}

// List returns records matching filter, newest first.
func (s *HistoryStore) List(_ context.Context, f model.HistoryFilter) ([]*model.LoadHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*model.LoadHistoryRecord
	for _, e := range s.entries {
		if f.SessionID != "" && e.rec.SessionID != f.SessionID {
			continue
		}
		if f.TargetTable != "" && e.rec.TargetTable != f.TargetTable {
			continue
		}
		if f.Status != "" && e.rec.Status != f.Status {
			continue
		}
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Statistics summarises loads created since the given time.
func (s *HistoryStore) Statistics(_ context.Context, since time.Time) (*model.LoadStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &model.LoadStatistics{}
	g := &stats.General
	var rateSum, timeSum float64
	byTable := map[string]*model.TableStatistics{}
	tableRates := map[string]float64{}

	for _, e := range s.entries {
		r := e.rec
		if r.CreatedAt.Before(since) {
			continue
		}
		g.TotalLoads++
		switch r.Status {
		case model.LoadStatusCompleted:
			g.SuccessfulLoads++
		case model.LoadStatusFailed:
			g.FailedLoads++
		}
		rateSum += r.SuccessRate
		timeSum += float64(r.ExecutionTimeMs)
		g.TotalRowsProcessed += r.TotalRows
		g.TotalInserted += r.InsertedRows
		g.TotalUpdated += r.UpdatedRows
		g.TotalErrors += r.ErrorRows

		ts, ok := byTable[r.TargetTable]
		if !ok {
			ts = &model.TableStatistics{Table: r.TargetTable}
			byTable[r.TargetTable] = ts
		}
		ts.LoadsCount++
		tableRates[r.TargetTable] += r.SuccessRate
		created := r.CreatedAt
		if ts.LastLoad == nil || created.After(*ts.LastLoad) {
			ts.LastLoad = &created
		}
	}
	if g.TotalLoads > 0 {
		n := float64(g.TotalLoads)
		g.SuccessPercentage = float64(g.SuccessfulLoads) / n * 100
		g.AvgSuccessRate = rateSum / n
		g.AvgExecutionTimeMs = timeSum / n
	}
	for table, ts := range byTable {
		ts.AvgSuccessRate = tableRates[table] / float64(ts.LoadsCount)
		stats.ByTable = append(stats.ByTable, *ts)
	}
	sort.Slice(stats.ByTable, func(i, j int) bool {
		if stats.ByTable[i].LoadsCount != stats.ByTable[j].LoadsCount {
			return stats.ByTable[i].LoadsCount > stats.ByTable[j].LoadsCount
		}
		return stats.ByTable[i].Table < stats.ByTable[j].Table
	})
	return stats, nil
}

// ExpireSnapshots moves active snapshots of loads completed before cutoff to expired.
func (s *HistoryStore) ExpireSnapshots(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if e.state != model.SnapshotActive || e.rec.CompletedAt == nil || !e.rec.CompletedAt.Before(cutoff) {
			continue
		}
		e.state = model.SnapshotExpired
		e.rec.RollbackData = nil
		n++
	}
	return n, nil
}

// PurgeSegments drops segments no rollback can use. Staged segments of
// unfinished loads created before cutoff count as orphaned.
func (s *HistoryStore) PurgeSegments(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.state == model.SnapshotStaged && e.rec.Status != model.LoadStatusCompleted && e.rec.CreatedAt.Before(cutoff) {
			e.state = model.SnapshotNone
		}
		switch e.state {
		case model.SnapshotNone, model.SnapshotSpent, model.SnapshotExpired:
		default:
			continue
		}
		for idx := range e.segments {
			if limit > 0 && n >= int64(limit) {
				return n, nil
			}
			delete(e.segments, idx)
			n++
		}
	}
	return n, nil
}

var (
	_ core.HistoryRepository            = (*HistoryStore)(nil)
	_ core.HistoryMaintenanceRepository = (*HistoryStore)(nil)
)
