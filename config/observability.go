package config

import (
	"strings"
	"time"
)

const defaultServiceName = "etl-loader"

// ObservabilityConfig groups metrics, tracing and event fan-out configuration.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig
	Tracing       TracingConfig
	Events        EventsConfig
	Notifications ObservabilityNotificationsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Tracing.Sanitize()
	c.Events.Sanitize()
	c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to StatsD.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"etl"`
	// GlobalTags are added to every metric, e.g. "env:prod,region:us".
	GlobalTags    map[string]string `env:"OBSERVABILITY_METRICS_TAGS"           envKeyValSeparator:":"`
	FlushInterval time.Duration     `env:"OBSERVABILITY_METRICS_FLUSH_INTERVAL" envDefault:"1s"`
}

// Sanitize normalises derived fields.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	// OTLPEndpoint enables the OTLP/HTTP exporter, e.g. localhost:4318.
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	Stdout       bool    `env:"TRACING_STDOUT"              envDefault:"false"`
	ServiceName  string  `env:"OTEL_SERVICE_NAME"           envDefault:"etl-loader"`
	SampleRatio  float64 `env:"TRACING_SAMPLE_RATIO"        envDefault:"1.0"`
}

// Sanitize normalises tracing configuration.
func (c *TracingConfig) Sanitize() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(c.OTLPEndpoint, "http://"), "https://")
	if c.ServiceName = strings.TrimSpace(c.ServiceName); c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
}

// Enabled reports whether any exporter is configured.
func (c *TracingConfig) Enabled() bool {
	return c.OTLPEndpoint != "" || c.Stdout
}

// EventsConfig controls where load lifecycle events are delivered.
type EventsConfig struct {
	// OutboxEnabled persists every event into etl_notification_outbox.
	OutboxEnabled bool `env:"EVENTS_OUTBOX_ENABLED" envDefault:"true"`
	// RedisChannel is the pub/sub channel events are published on. Empty disables publishing.
	RedisChannel string `env:"EVENTS_REDIS_CHANNEL" envDefault:"etl:events"`
}

// Sanitize normalises event configuration.
func (c *EventsConfig) Sanitize() {
	c.RedisChannel = strings.TrimSpace(c.RedisChannel)
}

// ObservabilityNotificationsConfig controls alerts for failed jobs.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                        `env:"OBSERVABILITY_NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration               `env:"OBSERVABILITY_NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int                         `env:"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`
	JobTypes   []string                    `env:"OBSERVABILITY_NOTIFICATIONS_JOB_TYPES"   envDefault:"load,rollback" envSeparator:","`
	Cooldown   time.Duration               `env:"OBSERVABILITY_NOTIFICATIONS_COOLDOWN"    envDefault:"10m"`
	Slack      SlackNotificationConfig     `                                                                           envPrefix:"OBSERVABILITY_NOTIFICATIONS_SLACK_"`
	PagerDuty  PagerDutyNotificationConfig `                                                                           envPrefix:"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}
	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled          bool   `env:"ENABLED"            envDefault:"false"`
	WebhookURL       string `env:"WEBHOOK_URL"`
	Channel          string `env:"CHANNEL"`
	Username         string `env:"USERNAME"           envDefault:"etl-loader"`
	HistoryURLPrefix string `env:"HISTORY_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.HistoryURLPrefix = strings.TrimSpace(c.HistoryURLPrefix)
	if c.Username = strings.TrimSpace(c.Username); c.Username == "" {
		c.Username = defaultServiceName
	}
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"etl-loader"`
	Component  string `env:"COMPONENT"   envDefault:"load-engine"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	if c.Source = strings.TrimSpace(c.Source); c.Source == "" {
		c.Source = defaultServiceName
	}
	if c.Component = strings.TrimSpace(c.Component); c.Component == "" {
		c.Component = "load-engine"
	}
}
