package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeRunner runs the worker pool that executes load, validate and rollback jobs.
	ServiceModeRunner ServiceMode = "runner"
	// ServiceModeReaper runs housekeeping.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeRunner, ServiceModeReaper}
}

// ParseServices parses a comma-delimited list of service names.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)
	if strings.TrimSpace(servicesStr) == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		switch mode {
		case ServiceModeRunner, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: runner, reaper)", name)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	Concurrency int           `env:"RUNNER_CONCURRENCY"   envDefault:"4"`
	JobLease    time.Duration `env:"RUNNER_JOB_LEASE"     envDefault:"60s"`
	// PollInterval bounds how long an idle worker waits before re-polling.
	PollInterval time.Duration   `env:"RUNNER_POLL_INTERVAL" envDefault:"1s"`
	JobTypes     []model.JobType `env:"RUNNER_JOB_TYPES"     envDefault:"load,validate,rollback"`
	// CancelPendingOnShutdown cancels pending jobs when the process stops.
	CancelPendingOnShutdown bool `env:"RUNNER_CANCEL_PENDING_ON_SHUTDOWN" envDefault:"false"`
}

// Sanitize applies guardrails to runner configuration values.
func (r *RunnerConfig) Sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.Concurrency > 64 {
		r.Concurrency = 64
	}
	if r.JobLease < 5*time.Second {
		r.JobLease = 5 * time.Second
	}
	if r.PollInterval < 50*time.Millisecond {
		r.PollInterval = 50 * time.Millisecond
	}
	if len(r.JobTypes) == 0 {
		r.JobTypes = model.AllJobTypes()
	}
}

// ReaperConfig contains housekeeping configuration.
type ReaperConfig struct {
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// JobMaxAge is how long completed, failed and cancelled jobs are kept.
	JobMaxAge time.Duration `env:"REAPER_JOB_MAX_AGE" envDefault:"168h"`

	// SnapshotTTL is how long a completed load stays rollbackable.
	SnapshotTTL time.Duration `env:"REAPER_SNAPSHOT_TTL" envDefault:"720h"`

	// StagingMaxAge is how long staged dataset rows are kept.
	StagingMaxAge time.Duration `env:"REAPER_STAGING_MAX_AGE" envDefault:"168h"`

	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.JobMaxAge < time.Hour {
		r.JobMaxAge = time.Hour
	}
	if r.SnapshotTTL < time.Hour {
		r.SnapshotTTL = time.Hour
	}
	if r.StagingMaxAge < time.Hour {
		r.StagingMaxAge = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
