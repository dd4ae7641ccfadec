package pagerduty

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

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	require.NoError(t, err)

	ev := client.buildEvent(notify.JobFailurePayload{
		JobID:       "123",
		JobType:     "load",
		HistoryID:   "h-1",
		TargetTable: "orders",
		Error:       "boom",
		ErrorClass:  "pg_integrity",
		OccurredAt:  time.Date(2026, 5, 2, 8, 30, 0, 0, time.FixedZone("x", 3600)),
		Metadata:    map[string]string{"progress": "50", "error": "ignored"},
	})

	assert.Equal(t, "trigger", ev.EventAction)
	assert.Equal(t, "etl:h-1", ev.DedupKey)
	assert.Equal(t, notify.SeverityCritical, ev.Payload.Severity)
	assert.Equal(t, "etl-loader", ev.Payload.Source)
	assert.Equal(t, "load-engine", ev.Payload.Component)
	assert.Equal(t, "orders", ev.Payload.Group)
	assert.Equal(t, "pg_integrity", ev.Payload.Class)
	assert.Equal(t, "2026-05-02T07:30:00Z", ev.Payload.Timestamp)
	assert.Equal(t, "ETL load job 123 failed loading orders: boom", ev.Payload.Summary)

	for _, key := range []string{"job_id", "job_type", "history_id", "target_table", "error", "error_class"} {
		assert.Contains(t, ev.Payload.CustomDetails, key)
	}
	assert.Equal(t, "boom", ev.Payload.CustomDetails["error"], "metadata never overrides fixed fields")
	assert.Equal(t, "50", ev.Payload.CustomDetails["progress"])
}

func TestBuildEventDedupFallsBackToJob(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	require.NoError(t, err)
	ev := client.buildEvent(notify.JobFailurePayload{JobID: "j-7", Severity: "WARNING"})
	assert.Equal(t, "etl:j-7", ev.DedupKey)
	assert.Equal(t, notify.SeverityWarning, ev.Payload.Severity)
	assert.Empty(t, ev.Payload.Group)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "info", severity(" Info "))
	assert.Equal(t, "error", severity("error"))
	assert.Equal(t, "warning", severity("warn"))
	assert.Equal(t, "critical", severity("page-everyone"))
	assert.Equal(t, "critical", severity(""))
}

func TestSummaryIsTruncated(t *testing.T) {
	s := summary(notify.JobFailurePayload{JobID: "j", Error: strings.Repeat("x", 2000)})
	assert.Len(t, s, maxSummary)
	assert.True(t, strings.HasSuffix(s, "..."))
}

func TestSendJobFailurePosts(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j"}))
	assert.Equal(t, "trigger", got["event_action"])
	assert.Equal(t, "etl:j", got["dedup_key"])
	assert.Equal(t, "key", got["routing_key"])
}

func TestSendJobFailureHonoursRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "key", Endpoint: srv.URL, RetryLimit: 2, Client: srv.Client()})
	require.NoError(t, err)
	client.hook.Base = time.Millisecond

	require.NoError(t, client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j"}))
	assert.EqualValues(t, 2, calls.Load())
}
