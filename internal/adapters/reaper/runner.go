// Package reaper provides adapters for running the housekeeping loop.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/service"
)

// Runner constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner. Repositories
// left nil are built on DB.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	Jobs    core.JobMaintenanceRepository
	History core.HistoryMaintenanceRepository
	Staging core.StagingRepository
	Metrics statsd.Sink
	Clock   data.TimeProvider
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Jobs == nil || opts.History == nil || opts.Staging == nil) {
		return errors.New("database connection is required when repositories are not provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repoCfg := data.RepoConfig{Logger: opts.Logger, TimeProvider: opts.Clock}

	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, repoCfg)
	}
	history := opts.History
	if history == nil {
		history = data.NewHistoryRepo(opts.DB, repoCfg)
	}
	staging := opts.Staging
	if staging == nil {
		staging = data.NewStagingRepo(opts.DB, repoCfg)
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Jobs:    jobs,
		History: history,
		Staging: staging,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Clock:   opts.Clock,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) (service.CleanupReport, error) {
	return r.reaper.RunOnce(ctx)
}
