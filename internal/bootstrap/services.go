package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/data/memory"
	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/loader"
	"github.com/target/etl-loader/internal/observability/notify/pagerduty"
	"github.com/target/etl-loader/internal/observability/notify/slack"
	"github.com/target/etl-loader/internal/observability/statsd"
	"github.com/target/etl-loader/internal/observability/tracing"
	"github.com/target/etl-loader/internal/rollback"
	"github.com/target/etl-loader/internal/service"
	"github.com/target/etl-loader/internal/service/eventtrigger"
	"github.com/target/etl-loader/internal/service/failurenotifier"
	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/target/postgres"
	"github.com/target/etl-loader/internal/transform"
	"github.com/target/etl-loader/internal/validation"

	// Target backends register themselves with the target registry.
	_ "github.com/target/etl-loader/internal/target/mssql"
	_ "github.com/target/etl-loader/internal/target/sqlite"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs      *service.JobService
	Configs   *service.ConfigResolver
	Registry  *transform.Registry
	Validator *validation.Service
	Loader    *loader.Executor
	Rollback  *rollback.Manager
	Events    *eventtrigger.Trigger
	Target    target.Store

	Repos         Repositories
	Observability ObservabilityContainer
}

// Repositories are the storage ports behind the services. They are backed
// by Postgres or by the in-memory stores depending on the queue driver.
type Repositories struct {
	Jobs               core.JobRepository
	JobMaintenance     core.JobMaintenanceRepository
	History            core.HistoryRepository
	HistoryMaintenance core.HistoryMaintenanceRepository
	Staging            core.StagingRepository
	Findings           core.FindingRepository
	Transformations    core.TransformationRepository
	ConfigVersions     core.ConfigVersionRepository
	Outbox             core.OutboxRepository
	// Cache and Publisher are nil when Redis is disabled.
	Cache     core.CacheRepository
	Publisher core.Publisher
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	metricsClient   *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
	ShutdownTracing tracing.ShutdownFunc
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Clock overrides the wall clock of the in-memory stores and the engine.
	Clock data.TimeProvider
}

// Close releases what NewServices opened. The queue database and Redis
// client belong to the caller.
func (c *ServiceContainer) Close(ctx context.Context) error {
	var errs []error
	if c.Target != nil {
		if err := c.Target.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close target: %w", err))
		}
	}
	if err := c.Observability.metricsClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close statsd: %w", err))
	}
	if c.Observability.ShutdownTracing != nil {
		if err := c.Observability.ShutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildObservability configures metrics, tracing and failure notification.
func buildObservability(ctx context.Context, logger *slog.Logger, cfg config.ObservabilityConfig) (ObservabilityContainer, error) {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var (
		metricsSink   statsd.Sink
		metricsClient *statsd.Client
	)
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    cfg.Metrics.GlobalTags,
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
			metricsClient = client
		}
	}

	shutdown, err := tracing.Setup(ctx, tracing.Options{Config: cfg.Tracing, Logger: obsLogger})
	if err != nil {
		return ObservabilityContainer{}, fmt.Errorf("setup tracing: %w", err)
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		metricsClient:   metricsClient,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
		ShutdownTracing: shutdown,
	}, nil
}

// buildRepositories builds the storage ports for the configured queue
// driver; no business rules here.
func buildRepositories(deps *ServiceDeps) (Repositories, error) {
	var repos Repositories
	switch deps.Config.Driver {
	case config.QueueDriverMemory:
		repos = memoryRepositories(deps.Clock)
	case config.QueueDriverPostgres:
		if deps.DB == nil {
			return Repositories{}, errors.New("postgres queue driver needs a database connection")
		}
		repos = postgresRepositories(deps.DB, data.RepoConfig{Logger: deps.Logger, TimeProvider: deps.Clock})
	default:
		return Repositories{}, fmt.Errorf("unknown queue driver %q", deps.Config.Driver)
	}

	if deps.RedisClient != nil {
		cache := data.NewRedisCacheRepo(deps.RedisClient, deps.Config.Cache.KeyPrefix)
		repos.Cache = cache
		repos.Publisher = cache
	}
	return repos, nil
}

func postgresRepositories(db *sql.DB, rc data.RepoConfig) Repositories {
	jobs := data.NewJobRepo(db, rc)
	history := data.NewHistoryRepo(db, rc)
	return Repositories{
		Jobs:               jobs,
		JobMaintenance:     jobs,
		History:            history,
		HistoryMaintenance: history,
		Staging:            data.NewStagingRepo(db, rc),
		Findings:           data.NewFindingRepo(db, rc),
		Transformations:    data.NewTransformationRepo(db, rc),
		ConfigVersions:     data.NewConfigVersionRepo(db, rc),
		Outbox:             data.NewOutboxRepo(db, rc),
	}
}

func memoryRepositories(clock data.TimeProvider) Repositories {
	queue := memory.NewQueue(memory.QueueOptions{TimeProvider: clock})
	history := memory.NewHistoryStore(clock)
	return Repositories{
		Jobs:               queue,
		JobMaintenance:     queue,
		History:            history,
		HistoryMaintenance: history,
		Staging:            memory.NewStagingStore(clock),
		Findings:           memory.NewFindingStore(clock),
		Transformations:    memory.NewTransformationStore(clock),
		ConfigVersions:     memory.NewConfigStore(clock),
		Outbox:             memory.NewOutbox(),
	}
}

// openTarget opens the database loads are written into. The postgres target
// without a DSN shares the queue pool.
func openTarget(ctx context.Context, deps *ServiceDeps) (target.Store, error) {
	tc := deps.Config.Target
	if tc.SharesQueueDatabase() {
		if deps.DB == nil {
			return nil, errors.New("postgres target without TARGET_DSN needs the queue database")
		}
		return postgres.New(deps.DB), nil
	}
	store, err := target.Open(ctx, target.Config{
		Kind:         string(tc.Driver),
		DSN:          tc.DSN,
		MaxOpenConns: tc.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s target: %w", tc.Driver, err)
	}
	return store, nil
}

// buildEventTrigger registers the log sink plus the outbox and Redis sinks
// when they are enabled.
func buildEventTrigger(logger *slog.Logger, cfg config.EventsConfig, repos Repositories, clock data.TimeProvider) *eventtrigger.Trigger {
	sinks := []eventtrigger.SinkRegistration{
		{Name: "log", Sink: eventtrigger.LogSink(logger)},
	}
	if cfg.OutboxEnabled && repos.Outbox != nil {
		sinks = append(sinks, eventtrigger.SinkRegistration{
			Name: "outbox",
			Sink: eventtrigger.OutboxSink(repos.Outbox),
		})
	}
	if cfg.RedisChannel != "" && repos.Publisher != nil {
		sinks = append(sinks, eventtrigger.SinkRegistration{
			Name: "redis",
			Sink: eventtrigger.PublisherSink(repos.Publisher, cfg.RedisChannel),
		})
	}
	return eventtrigger.New(eventtrigger.Options{
		Logger: logger,
		Sinks:  sinks,
		Clock:  clock,
	})
}

// NewServices wires the load engine: queue, validation, transformation,
// loader and rollback over the repositories selected by the configuration.
func NewServices(ctx context.Context, deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	clock := deps.Clock
	if clock == nil {
		clock = data.RealTimeProvider{}
	}

	repos, err := buildRepositories(deps)
	if err != nil {
		return nil, err
	}

	obs, err := buildObservability(ctx, logger, cfg.Observability)
	if err != nil {
		return nil, err
	}

	container, err := buildDomainServices(ctx, &domainServicesOptions{
		deps:   deps,
		cfg:    cfg,
		repos:  repos,
		obs:    obs,
		clock:  clock,
		logger: logger,
	})
	if err != nil {
		if shutdownErr := obs.ShutdownTracing(ctx); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
		return nil, err
	}
	return container, nil
}

type domainServicesOptions struct {
	deps   *ServiceDeps
	cfg    *config.AppConfig
	repos  Repositories
	obs    ObservabilityContainer
	clock  data.TimeProvider
	logger *slog.Logger
}

func buildDomainServices(ctx context.Context, o *domainServicesOptions) (*ServiceContainer, error) {
	resolver, err := service.NewConfigResolver(service.ConfigResolverOptions{
		Repo:   o.repos.ConfigVersions,
		Logger: o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("config resolver: %w", err)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            o.repos.Jobs,
		Maintenance:     o.repos.JobMaintenance,
		Configs:         resolver,
		DefaultLease:    o.cfg.Runner.JobLease,
		Logger:          o.logger,
		Metrics:         o.obs.MetricsSink,
		FailureNotifier: o.obs.FailureNotifier,
		// The in-memory queue does not outlive the process.
		CancelPendingOnShutdown: o.cfg.Runner.CancelPendingOnShutdown || o.cfg.Driver == config.QueueDriverMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}

	registry, err := transform.NewRegistry(transform.RegistryOptions{
		Repo:   o.repos.Transformations,
		Cache:  o.repos.Cache,
		TTL:    o.cfg.Cache.TransformTTL,
		Now:    o.clock.Now,
		Logger: o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transform registry: %w", err)
	}
	builder := transform.NewBuilder(transform.BuilderOptions{
		Registry: registry,
		Sandbox:  transform.NewSandbox(o.cfg.Loader.SandboxTimeout),
		Logger:   o.logger,
	})

	thresholds := validation.ThresholdsFromConfig(o.cfg.Validation)
	validator, err := validation.NewService(validation.ServiceOptions{
		Engine:     validation.NewEngine(validation.EngineOptions{Thresholds: &thresholds, Logger: o.logger}),
		Datasets:   o.repos.Staging,
		Findings:   o.repos.Findings,
		SampleSize: o.cfg.Validation.SampleSize,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("validation service: %w", err)
	}

	store, err := openTarget(ctx, o.deps)
	if err != nil {
		return nil, err
	}

	events := buildEventTrigger(o.logger, o.cfg.Observability.Events, o.repos, o.clock)

	exec, err := loader.New(loader.Options{
		Datasets:     o.repos.Staging,
		History:      o.repos.History,
		Target:       store,
		Builder:      builder,
		Validator:    validator,
		Jobs:         o.repos.Jobs,
		Events:       events,
		Metrics:      o.obs.MetricsSink,
		Config:       o.cfg.Loader,
		LeaseSeconds: int(o.cfg.Runner.JobLease.Seconds()),
		Clock:        o.clock,
		Logger:       o.logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("loader: %w", err), store.Close())
	}

	rb, err := rollback.New(rollback.Options{
		History: o.repos.History,
		Target:  store,
		Events:  events,
		Metrics: o.obs.MetricsSink,
		Clock:   o.clock,
		Timeout: o.cfg.Loader.ChunkTimeout,
		Logger:  o.logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("rollback manager: %w", err), store.Close())
	}

	return &ServiceContainer{
		Jobs:          jobs,
		Configs:       resolver,
		Registry:      registry,
		Validator:     validator,
		Loader:        exec,
		Rollback:      rb,
		Events:        events,
		Target:        store,
		Repos:         o.repos,
		Observability: o.obs,
	}, nil
}

// buildFailureNotifier registers the Slack and PagerDuty sinks that are enabled.
func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger,
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:       cfg.Slack.WebhookURL,
			Channel:          cfg.Slack.Channel,
			Username:         cfg.Slack.Username,
			Timeout:          cfg.Timeout,
			RetryLimit:       cfg.RetryLimit,
			HistoryURLPrefix: cfg.Slack.HistoryURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:   baseLogger,
		Sinks:    sinks,
		JobTypes: notificationJobTypes(cfg.JobTypes, baseLogger),
		Cooldown: cfg.Cooldown,
		// Room for every retry plus backoff.
		SinkTimeout: cfg.Timeout*time.Duration(cfg.RetryLimit+1) + 15*time.Second,
	})
}

func notificationJobTypes(raw []string, logger *slog.Logger) []model.JobType {
	out := make([]model.JobType, 0, len(raw))
	for _, name := range raw {
		jt := model.JobType(strings.TrimSpace(name))
		if jt == "" {
			continue
		}
		if !jt.Valid() {
			logger.Warn("ignoring unknown notification job type", "job_type", name)
			continue
		}
		out = append(out, jt)
	}
	return out
}
