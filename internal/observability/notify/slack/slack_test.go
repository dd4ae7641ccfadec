package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/observability/notify"
)

func allText(m message) string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Text != nil {
			parts = append(parts, b.Text.Text)
		}
		for _, f := range b.Fields {
			parts = append(parts, f.Text)
		}
		for _, e := range b.Elements {
			parts = append(parts, e.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{WebhookURL: "  "})
	require.Error(t, err)
}

func TestBuildMessageLayout(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#etl-alerts",
		Username:   "bot",
	})
	require.NoError(t, err)

	msg := client.buildMessage(notify.JobFailurePayload{
		JobID:       "123",
		JobType:     "load",
		SessionID:   "sess-1",
		HistoryID:   "hist-9",
		TargetTable: "public.orders",
		Error:       "error-rate ceiling exceeded",
		ErrorClass:  "errors_errorstring",
		OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:    map[string]string{"progress": "40", "attempt": "2"},
	})

	assert.Equal(t, "bot", msg.Username)
	assert.Equal(t, "#etl-alerts", msg.Channel)
	assert.Equal(t, "ETL load failed on public.orders", msg.Text)

	require.Len(t, msg.Blocks, 4)
	assert.Equal(t, "header", msg.Blocks[0].Type)
	assert.Equal(t, "section", msg.Blocks[1].Type)
	assert.Len(t, msg.Blocks[1].Fields, 6)
	assert.Equal(t, "```error-rate ceiling exceeded```", msg.Blocks[2].Text.Text)

	ctxBlock := msg.Blocks[3]
	assert.Equal(t, "context", ctxBlock.Type)
	require.Len(t, ctxBlock.Elements, 3)
	assert.Equal(t, "attempt: 2", ctxBlock.Elements[0].Text)
	assert.Equal(t, "progress: 40", ctxBlock.Elements[1].Text)
	assert.Contains(t, ctxBlock.Elements[2].Text, "2026-03-01T12:00:00Z")

	body := allText(msg)
	for _, want := range []string{"`123`", "`hist-9`", "`sess-1`", "`errors_errorstring`", "*Severity*\ncritical"} {
		assert.Contains(t, body, want)
	}
}

func TestBuildMessageOmitsBlankFields(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	require.NoError(t, err)

	msg := client.buildMessage(notify.JobFailurePayload{})
	assert.Equal(t, "etl-loader", msg.Username)
	assert.Equal(t, "ETL job failed", msg.Text)
	require.Len(t, msg.Blocks, 3, "header, severity-only fields and context")
	assert.Len(t, msg.Blocks[1].Fields, 1)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"channel"`)
}

func TestBuildMessageEscapes(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	require.NoError(t, err)

	msg := client.buildMessage(notify.JobFailurePayload{
		Error:    "a < b & c > d",
		Metadata: map[string]string{"<k>": "<v>"},
	})
	body := allText(msg)
	assert.Contains(t, body, "a &lt; b &amp; c &gt; d")
	assert.Contains(t, body, "&lt;k&gt;: &lt;v&gt;")
}

func TestHistoryLink(t *testing.T) {
	tcs := []struct {
		name      string
		historyID string
		prefix    string
		want      string
	}{
		{name: "linked", historyID: "h-1", prefix: "https://etl.example/history", want: "<https://etl.example/history/h-1|h-1>"},
		{name: "prefix is not a url", historyID: "h-2", prefix: "not a url", want: "`h-2`"},
		{name: "no prefix", historyID: "h-3", want: "`h-3`"},
		{name: "empty id", prefix: "https://etl.example/history", want: ""},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:       "https://hooks.slack.com/services/test",
				HistoryURLPrefix: tc.prefix,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, client.historyLink(tc.historyID))
		})
	}
}

func TestSendJobFailureRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["blocks"])
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1, Client: srv.Client()})
	require.NoError(t, err)
	client.hook.Base = time.Millisecond

	require.NoError(t, client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j"}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestSendJobFailureDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 3, Client: srv.Client()})
	require.NoError(t, err)

	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_token")
	assert.EqualValues(t, 1, calls.Load())
}
