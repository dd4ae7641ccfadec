package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/adapters/jobrunner"
	"github.com/target/etl-loader/internal/adapters/reaper"
)

const shutdownTimeout = 15 * time.Second

// ServiceOrchestrationConfig is what RunServicesWithShutdown needs to start
// the enabled background services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// backgroundService is one long-running loop started under the shared errgroup.
type backgroundService struct {
	name string
	run  func(ctx context.Context) error
}

func newJobRunnerBackgroundService(cfg *ServiceOrchestrationConfig, logger *slog.Logger) (backgroundService, error) {
	svc := cfg.Services
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         svc.Jobs,
		Logger:       logger,
		Loader:       svc.Loader,
		Validator:    svc.Validator,
		Rollback:     svc.Rollback,
		Events:       svc.Events,
		Metrics:      svc.Observability.MetricsSink,
		Lease:        cfg.Config.Runner.JobLease,
		Concurrency:  cfg.Config.Runner.Concurrency,
		PollInterval: cfg.Config.Runner.PollInterval,
		JobTypes:     cfg.Config.Runner.JobTypes,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("create job runner: %w", err)
	}
	return backgroundService{name: string(config.ServiceModeRunner), run: runner.Run}, nil
}

func newReaperBackgroundService(cfg *ServiceOrchestrationConfig, logger *slog.Logger) (backgroundService, error) {
	repos := cfg.Services.Repos
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Config:  cfg.Config.Reaper,
		Logger:  logger,
		Jobs:    repos.JobMaintenance,
		History: repos.HistoryMaintenance,
		Staging: repos.Staging,
		Metrics: cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("create reaper: %w", err)
	}
	return backgroundService{name: string(config.ServiceModeReaper), run: runner.Run}, nil
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) ([]backgroundService, error) {
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("determine enabled services: %w", err)
	}

	var services []backgroundService
	if enabled[config.ServiceModeRunner] {
		svc, err := newJobRunnerBackgroundService(cfg, logger)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if enabled[config.ServiceModeReaper] {
		svc, err := newReaperBackgroundService(cfg, logger)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

// RunServicesWithShutdown runs the enabled services until ctx is cancelled or
// one of them fails, then shuts the job service down.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	services, err := buildBackgroundServices(cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		logger.InfoContext(ctx, "starting service", "service", svc.name)
		g.Go(func() error {
			if runErr := svc.run(gctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				return fmt.Errorf("%s: %w", svc.name, runErr)
			}
			logger.Info("service stopped", "service", svc.name)
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("service error", "error", runErr)
	} else {
		logger.Info("shutting down services...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := cfg.Services.Jobs.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("job service shutdown: %w", err))
	}
	return runErr
}
