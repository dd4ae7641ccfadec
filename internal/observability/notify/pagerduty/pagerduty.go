// Package pagerduty raises incidents for failed jobs through the Events API v2.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/target/etl-loader/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	// Endpoint overrides APIEndpoint.
	Endpoint   string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes trigger events.
type Client struct {
	hook       *notify.Webhook
	routingKey string
	source     string
	component  string
}

// NewClient requires a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	endpoint := notify.Or(strings.TrimSpace(cfg.Endpoint), APIEndpoint)
	return &Client{
		hook:       notify.NewWebhook("pagerduty events api", endpoint, cfg.RetryLimit, cfg.Timeout, cfg.Client),
		routingKey: key,
		source:     notify.Or(strings.TrimSpace(cfg.Source), "etl-loader"),
		component:  notify.Or(strings.TrimSpace(cfg.Component), "load-engine"),
	}, nil
}

// SendJobFailure submits a trigger event.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty event: %w", err)
	}
	return c.hook.Post(ctx, body)
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string            `json:"summary"`
	Severity      string            `json:"severity"`
	Source        string            `json:"source"`
	Component     string            `json:"component"`
	Group         string            `json:"group,omitempty"`
	Class         string            `json:"class,omitempty"`
	Timestamp     string            `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details"`
}

// PagerDuty rejects summaries longer than this.
const maxSummary = 1024

// buildEvent maps a failure onto a trigger. Failures of the same load share a
// dedup key so a retried job does not open a second incident. The target
// table becomes the group and the error class the class.
func (c *Client) buildEvent(p notify.JobFailurePayload) event {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	details := maps.Clone(p.Metadata)
	if details == nil {
		details = make(map[string]string, 7)
	}
	for k, v := range map[string]string{
		"job_id":       p.JobID,
		"job_type":     p.JobType,
		"session_id":   p.SessionID,
		"history_id":   p.HistoryID,
		"target_table": p.TargetTable,
		"error":        p.Error,
		"error_class":  p.ErrorClass,
	} {
		details[k] = v
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    "etl:" + notify.Or(p.HistoryID, p.JobID),
		Payload: eventPayload{
			Summary:       summary(p),
			Severity:      severity(p.Severity),
			Source:        c.source,
			Component:     c.component,
			Group:         p.TargetTable,
			Class:         p.ErrorClass,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}

func summary(p notify.JobFailurePayload) string {
	s := fmt.Sprintf("ETL %s job %s failed", notify.Or(p.JobType, "unknown"), notify.Or(p.JobID, "unknown"))
	if p.TargetTable != "" {
		s += " loading " + p.TargetTable
	}
	if p.Error != "" {
		s += ": " + p.Error
	}
	if len(s) > maxSummary {
		s = s[:maxSummary-3] + "..."
	}
	return s
}

// severity maps onto the four values the Events API accepts.
func severity(raw string) string {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "critical", "error", "warning", "info":
		return s
	case "warn":
		return notify.SeverityWarning
	default:
		return notify.SeverityCritical
	}
}
