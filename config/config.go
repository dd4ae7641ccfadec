// Package config holds the environment-driven configuration of the ETL load engine.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct. It composes the
// domain-specific configs defined in the other files of this package and is
// parsed from the environment with github.com/caarlos0/env.
type AppConfig struct {
	// IsDev enables human-friendly defaults. DEV=true or NODE_ENV=development.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Queue storage backend: postgres or memory.
	Driver   QueueDriver `env:"DB_DRIVER" envDefault:"postgres"`
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// Services is a comma-delimited list of enabled services.
	Services string `env:"SERVICES" envDefault:"runner,reaper"`

	Runner     RunnerConfig
	Reaper     ReaperConfig
	Loader     LoaderConfig
	Validation ValidationConfig
	Target     TargetConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to values loaded from env.
func (c *AppConfig) Sanitize() {
	c.Driver = QueueDriver(strings.ToLower(strings.TrimSpace(string(c.Driver))))
	if c.Driver == "" {
		c.Driver = QueueDriverPostgres
	}
	c.Runner.Sanitize()
	c.Reaper.Sanitize()
	c.Loader.Sanitize()
	c.Validation.Sanitize()
	c.Target.Sanitize()
	c.Cache.Sanitize()
	c.Observability.Sanitize()
	c.detectDevMode()
}

func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// SlogLevel maps LogLevel onto slog.Level, defaulting to info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsRunnerEnabled reports whether the worker pool should run.
func (c *AppConfig) IsRunnerEnabled() bool {
	services, err := c.GetEnabledServices()
	return err == nil && services[ServiceModeRunner]
}

// IsReaperEnabled reports whether housekeeping should run.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	return err == nil && services[ServiceModeReaper]
}
