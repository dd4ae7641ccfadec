// Package eventtrigger fans load lifecycle events out to outbound sinks.
// Delivery is fire-and-forget: sink failures are logged and never reach
// the load or rollback that raised the event.
package eventtrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "etl:events"

const defaultSinkTimeout = 5 * time.Second

// Sink delivers one event.
type Sink interface {
	Deliver(ctx context.Context, evt model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt model.Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, evt model.Event) error { return f(ctx, evt) }

// SinkRegistration pairs a sink with a name for logging.
type SinkRegistration struct {
	Name string
	Sink Sink
}

// Options configures a Trigger.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	Clock  data.TimeProvider
	// SinkTimeout bounds each delivery. Zero means 5s.
	SinkTimeout time.Duration
}

// Trigger implements core.EventTrigger over a list of sinks.
type Trigger struct {
	logger  *slog.Logger
	sinks   []SinkRegistration
	clock   data.TimeProvider
	timeout time.Duration
}

// New constructs a Trigger. Nil sinks are dropped.
func New(opts Options) *Trigger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	timeout := opts.SinkTimeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	return &Trigger{
		logger:  logger.With("component", "event_trigger"),
		sinks:   sinks,
		clock:   clock,
		timeout: timeout,
	}
}

// Trigger delivers evt to every sink in registration order. The caller's
// cancellation is detached so a cancelled load still records its final event.
func (t *Trigger) Trigger(ctx context.Context, evt model.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = t.clock.Now()
	}

	base := context.WithoutCancel(ctx)
	for _, entry := range t.sinks {
		sinkCtx, cancel := context.WithTimeout(base, t.timeout)
		err := entry.Sink.Deliver(sinkCtx, evt)
		cancel()
		if err != nil {
			t.logger.WarnContext(ctx, "event delivery failed",
				"sink", entry.Name,
				"event_type", evt.Type,
				"load_history_id", evt.LoadHistoryID,
				"error", err,
			)
		}
	}
}

// SinkNames lists the registered sinks.
func (t *Trigger) SinkNames() []string {
	names := make([]string, 0, len(t.sinks))
	for _, entry := range t.sinks {
		names = append(names, entry.Name)
	}
	return names
}

// LogSink writes each event as a structured log line.
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(ctx context.Context, evt model.Event) error {
		level := slog.LevelInfo
		switch evt.Type {
		case model.EventLoadFailed, model.EventValidationError:
			level = slog.LevelError
		case model.EventValidationWarning:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "etl event",
			"event_type", evt.Type,
			"load_history_id", evt.LoadHistoryID,
			"session_id", evt.SessionID,
			"payload", evt.Payload,
		)
		return nil
	})
}

// OutboxSink appends events to the notification outbox.
func OutboxSink(repo core.OutboxRepository) Sink {
	return SinkFunc(func(ctx context.Context, evt model.Event) error {
		if err := repo.InsertEvent(ctx, evt); err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		return nil
	})
}

// PublisherSink publishes the JSON encoded event on channel.
func PublisherSink(pub core.Publisher, channel string) Sink {
	if channel == "" {
		channel = DefaultChannel
	}
	return SinkFunc(func(ctx context.Context, evt model.Event) error {
		raw, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		return pub.Publish(ctx, channel, raw)
	})
}

var _ core.EventTrigger = (*Trigger)(nil)
