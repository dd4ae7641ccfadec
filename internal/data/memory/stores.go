package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

type stagedRow struct {
	raw     []byte
	created time.Time
}

// StagingStore keeps staged rows per source_ref as JSON, so rows read back
// carry the same types as rows read from Postgres.
type StagingStore struct {
	mu    sync.Mutex
	rows  map[string][]stagedRow
	clock data.TimeProvider
}

// NewStagingStore creates an empty StagingStore.
func NewStagingStore(clock data.TimeProvider) *StagingStore {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &StagingStore{rows: make(map[string][]stagedRow), clock: clock}
}

// Count returns the number of rows staged for sourceRef.
func (s *StagingStore) Count(_ context.Context, sourceRef string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows[sourceRef])), nil
}

// Read returns up to limit rows from offset.
func (s *StagingStore) Read(_ context.Context, sourceRef string, offset int64, limit int) ([]model.Row, error) {
	s.mu.Lock()
	rows := s.rows[sourceRef]
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(rows)) {
		s.mu.Unlock()
		return nil, nil
	}
	end := int64(len(rows))
	if limit > 0 && offset+int64(limit) < end {
		end = offset + int64(limit)
	}
	window := append([]stagedRow(nil), rows[offset:end]...)
	s.mu.Unlock()

	out := make([]model.Row, 0, len(window))
	for _, r := range window {
		row, err := data.DecodeStagedRow(r.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Append adds rows after the existing ones.
func (s *StagingStore) Append(_ context.Context, sourceRef string, rows []model.Row) (int64, error) {
	encoded := make([]stagedRow, 0, len(rows))
	now := s.clock.Now()
	for _, r := range rows {
		raw, err := json.Marshal(r)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, stagedRow{raw: raw, created: now})
	}
	s.mu.Lock()
	s.rows[sourceRef] = append(s.rows[sourceRef], encoded...)
	s.mu.Unlock()
	return int64(len(encoded)), nil
}

// DeleteBefore drops whole datasets staged before cutoff. Partial removal
// would break the dense row index, so limit counts rows of whole datasets.
func (s *StagingStore) DeleteBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for ref, rows := range s.rows {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if len(rows) == 0 || !rows[len(rows)-1].created.Before(cutoff) {
			continue
		}
		n += int64(len(rows))
		delete(s.rows, ref)
	}
	return n, nil
}

// FindingStore keeps validation findings in insertion order.
type FindingStore struct {
	mu       sync.Mutex
	findings []model.ValidationFinding
	nextID   int64
	clock    data.TimeProvider
}

// NewFindingStore creates an empty FindingStore.
func NewFindingStore(clock data.TimeProvider) *FindingStore {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &FindingStore{clock: clock}
}

// InsertFindings appends findings.
func (s *FindingStore) InsertFindings(_ context.Context, findings []model.ValidationFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for i := range findings {
		s.nextID++
		findings[i].ID = s.nextID
		if findings[i].CreatedAt.IsZero() {
			findings[i].CreatedAt = now
		}
		s.findings = append(s.findings, findings[i])
	}
	return nil
}

// ListBySession returns the findings of sessionID.
func (s *FindingStore) ListBySession(_ context.Context, sessionID string) ([]model.ValidationFinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ValidationFinding
	for _, f := range s.findings {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

// TransformationStore keeps custom transformation definitions by name.
type TransformationStore struct {
	mu    sync.Mutex
	defs  map[string]model.CustomTransformation
	clock data.TimeProvider
}

// NewTransformationStore creates an empty TransformationStore.
func NewTransformationStore(clock data.TimeProvider) *TransformationStore {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &TransformationStore{defs: make(map[string]model.CustomTransformation), clock: clock}
}

// Upsert registers def by name.
func (s *TransformationStore) Upsert(_ context.Context, def *model.CustomTransformation) (*model.CustomTransformation, error) {
	if err := def.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid custom transformation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	stored := *def
	if prev, ok := s.defs[def.Name]; ok {
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.defs[def.Name] = stored
	out := stored
	return &out, nil
}

// GetActiveByName returns the active definition called name.
func (s *TransformationStore) GetActiveByName(_ context.Context, name string) (*model.CustomTransformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok || !def.IsActive {
		return nil, apperrors.NotFoundf("custom transformation %q not found or inactive", name)
	}
	return &def, nil
}

// List returns definitions ordered by name.
func (s *TransformationStore) List(_ context.Context, activeOnly bool) ([]*model.CustomTransformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.CustomTransformation, 0, len(s.defs))
	for _, d := range s.defs {
		if activeOnly && !d.IsActive {
			continue
		}
		def := d
		out = append(out, &def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ConfigStore keeps versioned load configurations.
type ConfigStore struct {
	mu       sync.Mutex
	versions map[string][]model.ConfigVersion
	clock    data.TimeProvider
}

// NewConfigStore creates an empty ConfigStore.
func NewConfigStore(clock data.TimeProvider) *ConfigStore {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &ConfigStore{versions: make(map[string][]model.ConfigVersion), clock: clock}
}

// GetActive returns the active version of name.
func (s *ConfigStore) GetActive(_ context.Context, name string) (*model.ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[name] {
		if v.IsActive {
			out := v
			return &out, nil
		}
	}
	return nil, apperrors.NotFoundf("no active configuration named %q", name)
}

// Publish stores data as the next version of name and activates it.
func (s *ConfigStore) Publish(_ context.Context, name string, raw json.RawMessage) (*model.ConfigVersion, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.ValidationField("name", "config name is required")
	}
	if !json.Valid(raw) {
		return nil, apperrors.ValidationField("config_data", "config data must be valid JSON")
	}
	if _, err := (&model.ConfigVersion{Name: name, ConfigData: raw}).DecodeLoadConfig(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid config data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[name]
	configID := uuid.NewString()
	if len(versions) > 0 {
		configID = versions[0].ConfigID
	}
	for i := range versions {
		versions[i].IsActive = false
	}
	v := model.ConfigVersion{
		ConfigID:   configID,
		Name:       name,
		Version:    len(versions) + 1,
		ConfigData: append(json.RawMessage(nil), raw...),
		IsActive:   true,
		CreatedAt:  s.clock.Now(),
	}
	s.versions[name] = append(versions, v)
	return &v, nil
}

// Outbox collects events in memory.
type Outbox struct {
	mu     sync.Mutex
	events []model.Event
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox { return &Outbox{} }

// InsertEvent appends evt.
func (o *Outbox) InsertEvent(_ context.Context, evt model.Event) error {
	o.mu.Lock()
	o.events = append(o.events, evt)
	o.mu.Unlock()
	return nil
}

// Events returns a copy of the collected events.
func (o *Outbox) Events() []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Event(nil), o.events...)
}

var (
	_ core.StagingRepository        = (*StagingStore)(nil)
	_ core.FindingRepository        = (*FindingStore)(nil)
	_ core.TransformationRepository = (*TransformationStore)(nil)
	_ core.ConfigVersionRepository  = (*ConfigStore)(nil)
	_ core.OutboxRepository         = (*Outbox)(nil)
)
