package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
)

// OutboxRepo appends outbound events to etl_notification_outbox for an
// external deliverer.
type OutboxRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewOutboxRepo creates an OutboxRepo over db.
func NewOutboxRepo(db *sql.DB, cfg RepoConfig) *OutboxRepo {
	return &OutboxRepo{DB: db, clock: cfg.clock()}
}

// InsertEvent stores evt as undelivered.
func (r *OutboxRepo) InsertEvent(ctx context.Context, evt model.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = r.clock.Now()
	}
	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO etl_notification_outbox (event_type, load_history_id, session_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(evt.Type),
		sql.NullString{String: evt.LoadHistoryID, Valid: evt.LoadHistoryID != ""},
		sql.NullString{String: evt.SessionID, Valid: evt.SessionID != ""},
		raw, occurred); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

var _ core.OutboxRepository = (*OutboxRepo)(nil)
