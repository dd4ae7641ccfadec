package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/target/etl-loader/internal/domain/model"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "runner only",
			input:    "runner",
			expected: map[ServiceMode]bool{ServiceModeRunner: true},
		},
		{
			name:     "both with spaces",
			input:    " runner , reaper ",
			expected: map[ServiceMode]bool{ServiceModeRunner: true, ServiceModeReaper: true},
		},
		{
			name:     "duplicates collapse",
			input:    "reaper,reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{name: "empty", input: "", expectError: true},
		{name: "only commas", input: ",,", expectError: true},
		{name: "unknown", input: "runner,http", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ParseServices() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("env.Parse: %v", err)
	}
	cfg.Sanitize()

	if cfg.Driver != QueueDriverPostgres {
		t.Errorf("Driver = %q", cfg.Driver)
	}
	if cfg.Runner.Concurrency != 4 {
		t.Errorf("Runner.Concurrency = %d, want 4", cfg.Runner.Concurrency)
	}
	if !reflect.DeepEqual(cfg.Runner.JobTypes, model.AllJobTypes()) {
		t.Errorf("Runner.JobTypes = %v", cfg.Runner.JobTypes)
	}
	if cfg.Loader.ChunkRetryBackoff != 200*time.Millisecond {
		t.Errorf("ChunkRetryBackoff = %v", cfg.Loader.ChunkRetryBackoff)
	}
	if cfg.Loader.SandboxTimeout != 50*time.Millisecond {
		t.Errorf("SandboxTimeout = %v", cfg.Loader.SandboxTimeout)
	}
	if got := cfg.Loader.DefaultCeiling(); got.Rate != 0.5 || got.Scope != model.CeilingScopeCumulative {
		t.Errorf("DefaultCeiling = %+v", got)
	}
	if cfg.Reaper.JobMaxAge != 7*24*time.Hour {
		t.Errorf("Reaper.JobMaxAge = %v", cfg.Reaper.JobMaxAge)
	}
	if cfg.Validation.NullLow != 0.10 || cfg.Validation.NullHigh != 0.50 {
		t.Errorf("null thresholds = %v/%v", cfg.Validation.NullLow, cfg.Validation.NullHigh)
	}
	if !cfg.IsRunnerEnabled() || !cfg.IsReaperEnabled() {
		t.Error("runner and reaper should be enabled by default")
	}
	if !cfg.Target.SharesQueueDatabase() {
		t.Error("default target should reuse the queue database")
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "MEMORY")
	t.Setenv("SERVICES", "runner")
	t.Setenv("RUNNER_JOB_TYPES", "load,rollback")
	t.Setenv("TARGET_DRIVER", "sqlite")
	t.Setenv("TARGET_DSN", "file:/tmp/target.db")
	t.Setenv("TARGET_MAX_OPEN_CONNS", "8")
	t.Setenv("LOADER_ERROR_CEILING_SCOPE", "chunk")
	t.Setenv("LOADER_ERROR_CEILING_RATE", "0.25")
	t.Setenv("LOG_LEVEL", "debug")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("env.Parse: %v", err)
	}
	cfg.Sanitize()

	if cfg.Driver != QueueDriverMemory {
		t.Errorf("Driver = %q", cfg.Driver)
	}
	if cfg.IsReaperEnabled() {
		t.Error("reaper should be disabled")
	}
	want := []model.JobType{model.JobTypeLoad, model.JobTypeRollback}
	if !reflect.DeepEqual(cfg.Runner.JobTypes, want) {
		t.Errorf("JobTypes = %v, want %v", cfg.Runner.JobTypes, want)
	}
	if cfg.Target.MaxOpenConns != 1 {
		t.Errorf("sqlite target should be capped at one connection, got %d", cfg.Target.MaxOpenConns)
	}
	if got := cfg.Loader.DefaultCeiling(); got.Rate != 0.25 || got.Scope != model.CeilingScopeChunk {
		t.Errorf("DefaultCeiling = %+v", got)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v", cfg.SlogLevel())
	}
}

func TestLoaderConfig_SanitizeResetsBadCeiling(t *testing.T) {
	c := LoaderConfig{ChunkSize: 0, ErrorCeilingRate: 2, ErrorCeilingScope: "window", MaxChunksPerSecond: -1}
	c.Sanitize()
	if c.ChunkSize != 1 {
		t.Errorf("ChunkSize = %d", c.ChunkSize)
	}
	if c.ErrorCeilingRate != 0.5 || c.ErrorCeilingScope != model.CeilingScopeCumulative {
		t.Errorf("ceiling = %v/%v", c.ErrorCeilingRate, c.ErrorCeilingScope)
	}
	if c.MaxChunksPerSecond != 0 {
		t.Errorf("MaxChunksPerSecond = %v", c.MaxChunksPerSecond)
	}
}

func TestValidationConfig_Sanitize(t *testing.T) {
	c := ValidationConfig{NullLow: 0.6, NullHigh: 0.2, TypeLow: -1, TypeHigh: 3, InferenceRatio: 0}
	c.Sanitize()
	if c.NullHigh != 0.6 {
		t.Errorf("NullHigh = %v, want 0.6", c.NullHigh)
	}
	if c.TypeLow != 0 || c.TypeHigh != 1 {
		t.Errorf("type thresholds = %v/%v", c.TypeLow, c.TypeHigh)
	}
	if c.InferenceRatio != 0.8 {
		t.Errorf("InferenceRatio = %v", c.InferenceRatio)
	}
}

func TestObservabilityConfig_Sanitize(t *testing.T) {
	c := ObservabilityConfig{
		Metrics: ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "  "},
		Tracing: TracingConfig{OTLPEndpoint: " http://collector:4318 ", SampleRatio: 5},
	}
	c.Sanitize()
	if c.Metrics.IsEnabled() {
		t.Error("metrics without an address must be disabled")
	}
	if c.Tracing.OTLPEndpoint != "collector:4318" {
		t.Errorf("OTLPEndpoint = %q", c.Tracing.OTLPEndpoint)
	}
	if c.Tracing.ServiceName != defaultServiceName || c.Tracing.SampleRatio != 1 {
		t.Errorf("tracing = %+v", c.Tracing)
	}
	if !c.Tracing.Enabled() {
		t.Error("tracing should be enabled with an endpoint")
	}
}

func TestNotificationsConfig_Sanitize(t *testing.T) {
	c := ObservabilityNotificationsConfig{
		Enabled:   true,
		Timeout:   -1,
		Slack:     SlackNotificationConfig{Enabled: true, WebhookURL: "  "},
		PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "key", Source: " "},
	}
	c.Sanitize()
	if c.Slack.Enabled {
		t.Error("slack without a webhook must be disabled")
	}
	if !c.PagerDuty.Enabled || c.PagerDuty.Source != defaultServiceName {
		t.Errorf("pagerduty = %+v", c.PagerDuty)
	}
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}

	off := ObservabilityNotificationsConfig{PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "key"}}
	off.Sanitize()
	if off.PagerDuty.Enabled {
		t.Error("sinks must be disabled when notifications are off")
	}
}
