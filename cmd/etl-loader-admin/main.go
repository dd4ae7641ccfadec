package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/bootstrap"
)

// app carries what every subcommand needs. Connections are opened on first use.
type app struct {
	cfg    *config.AppConfig
	logger *slog.Logger
	out    io.Writer

	db    *sql.DB
	redis redis.UniversalClient
	svc   *bootstrap.ServiceContainer

	// openServices is replaced in tests.
	openServices func(ctx context.Context) (*bootstrap.ServiceContainer, error)
}

func newApp() *app {
	a := &app{out: os.Stdout}
	a.openServices = a.connectServices
	return a
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := newApp()
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "etl-loader-admin",
		Short: "Operate the ETL load engine",
		Long: `etl-loader-admin stages datasets, enqueues jobs and inspects load history.

Examples:
  etl-loader-admin stage customers ./customers.ndjson
  etl-loader-admin enqueue ./load-customers.yaml
  etl-loader-admin status <job-id>
  etl-loader-admin history --limit 20
  etl-loader-admin rollback <history-id> --async`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.OutOrStdout())
		},
	}

	root.AddCommand(
		newMigrateCmd(a),
		newStageCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newQueueCmd(a),
		newHistoryCmd(a),
		newStatsCmd(a),
		newFindingsCmd(a),
		newRollbackCmd(a),
		newTransformsCmd(a),
		newConfigsCmd(a),
		newCleanupCmd(a),
	)
	return root
}

func (a *app) init(out io.Writer) error {
	a.out = out
	pterm.SetDefaultOutput(out)
	if a.logger == nil {
		a.logger = bootstrap.InitLogger()
	}
	if a.cfg != nil {
		return nil
	}
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	bootstrap.ApplyLogLevel(&cfg)
	a.cfg = &cfg
	return nil
}

// database connects to the queue database.
func (a *app) database() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: a.cfg.Postgres, Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	a.db = db
	return db, nil
}

// services builds the engine against the shared database.
func (a *app) services(ctx context.Context) (*bootstrap.ServiceContainer, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	svc, err := a.openServices(ctx)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) connectServices(ctx context.Context) (*bootstrap.ServiceContainer, error) {
	if a.cfg.Driver != config.QueueDriverPostgres {
		return nil, errors.New("admin commands need DB_DRIVER=postgres; the memory queue lives inside the service process")
	}
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	if a.cfg.Redis.Enabled && a.redis == nil {
		client, rerr := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: a.cfg.Redis, Logger: a.logger})
		if rerr != nil {
			a.logger.WarnContext(ctx, "redis unavailable; continuing without cache", "error", rerr)
		} else {
			a.redis = client
		}
	}
	return bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
		Config:      a.cfg,
		DB:          db,
		RedisClient: a.redis,
		Logger:      a.logger,
	})
}

func (a *app) close() {
	ctx := context.Background()
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil && a.logger != nil {
			a.logger.ErrorContext(ctx, "close services failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
