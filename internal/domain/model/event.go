package model

import "time"

// EventType names a notification trigger.
type EventType string

const (
	EventLoadStarted       EventType = "load_started"
	EventLoadCompleted     EventType = "load_completed"
	EventLoadFailed        EventType = "load_failed"
	EventValidationWarning EventType = "validation_warning"
	EventValidationError   EventType = "validation_error"
	EventRollbackCompleted EventType = "rollback_completed"
)

// Event is the outbound notification trigger payload.
type Event struct {
	Type          EventType      `json:"event_type"`
	LoadHistoryID string         `json:"load_history_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}
