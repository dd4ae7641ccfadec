// Package slack posts job failures to a Slack incoming webhook as Block Kit messages.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/target/etl-loader/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// HistoryURLPrefix, when set, turns the load history id into a link.
	HistoryURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	hook       *notify.Webhook
	channel    string
	username   string
	historyURL *url.URL
}

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	c := &Client{
		hook:     notify.NewWebhook("slack webhook", webhookURL, cfg.RetryLimit, cfg.Timeout, cfg.Client),
		channel:  strings.TrimSpace(cfg.Channel),
		username: notify.Or(strings.TrimSpace(cfg.Username), "etl-loader"),
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.HistoryURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		c.historyURL = u
	}
	return c, nil
}

// SendJobFailure posts one message per failure.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return c.hook.Post(ctx, body)
}

type message struct {
	Channel  string  `json:"channel,omitempty"`
	Username string  `json:"username"`
	Text     string  `json:"text"`
	Blocks   []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) text { return text{Type: "mrkdwn", Text: s} }

// buildMessage lays a failure out as a header, a grid of load fields, the
// error in a code block and a context line with metadata and the time.
// Text is the notification fallback shown by clients that drop blocks.
func (c *Client) buildMessage(p notify.JobFailurePayload) message {
	headline := headline(p)
	blocks := []block{
		{Type: "header", Text: &text{Type: "plain_text", Text: headline}},
	}

	if fields := c.fields(p); len(fields) > 0 {
		blocks = append(blocks, block{Type: "section", Fields: fields})
	}
	if msg := strings.TrimSpace(p.Error); msg != "" {
		blocks = append(blocks, block{Type: "section", Text: &text{
			Type: "mrkdwn",
			Text: "```" + escape(msg) + "```",
		}})
	}
	blocks = append(blocks, block{Type: "context", Elements: footer(p)})

	return message{
		Channel:  c.channel,
		Username: c.username,
		Text:     headline,
		Blocks:   blocks,
	}
}

func headline(p notify.JobFailurePayload) string {
	var b strings.Builder
	b.WriteString("ETL ")
	b.WriteString(notify.Or(p.JobType, "job"))
	b.WriteString(" failed")
	if p.TargetTable != "" {
		b.WriteString(" on ")
		b.WriteString(p.TargetTable)
	}
	return b.String()
}

func (c *Client) fields(p notify.JobFailurePayload) []text {
	pairs := [][2]string{
		{"Severity", notify.Or(p.Severity, notify.SeverityCritical)},
		{"Job", code(p.JobID)},
		{"Load", c.historyLink(p.HistoryID)},
		{"Session", code(p.SessionID)},
		{"Target table", escape(p.TargetTable)},
		{"Error class", code(p.ErrorClass)},
	}
	out := make([]text, 0, len(pairs))
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		out = append(out, mrkdwn("*"+kv[0]+"*\n"+kv[1]))
	}
	return out
}

func footer(p notify.JobFailurePayload) []text {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]text, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, mrkdwn(escape(k)+": "+escape(p.Metadata[k])))
	}
	return append(out, mrkdwn(fmt.Sprintf("<!date^%d^{date_short_pretty} {time_secs}|%s>",
		at.Unix(), at.UTC().Format(time.RFC3339))))
}

// historyLink renders the load history id, linked when a URL prefix is configured.
func (c *Client) historyLink(historyID string) string {
	id := strings.TrimSpace(historyID)
	if id == "" {
		return ""
	}
	if c.historyURL == nil {
		return code(id)
	}
	return "<" + c.historyURL.JoinPath(id).String() + "|" + escape(id) + ">"
}

func code(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return "`" + escape(s) + "`"
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return slackEscaper.Replace(s) }
