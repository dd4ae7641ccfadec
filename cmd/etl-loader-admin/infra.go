package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/target/etl-loader/internal/adapters/reaper"
	"github.com/target/etl-loader/internal/bootstrap"
)

const defaultMigrationTimeout = 5 * time.Minute

func newMigrateCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := bootstrap.RunMigrations(ctx, db, a.logger); err != nil {
				return err
			}
			pterm.Success.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "maximum time to wait for migrations")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one housekeeping pass",
		Long: `Run one pass of the reaper: fail jobs with expired leases, delete old
terminal jobs, expire old snapshots, purge unusable snapshot segments and
delete old staging rows. Retention comes from the REAPER_* settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := reaper.NewRunner(reaper.RunnerOptions{
				Config:  a.cfg.Reaper,
				Logger:  a.logger,
				Jobs:    svc.Repos.JobMaintenance,
				History: svc.Repos.HistoryMaintenance,
				Staging: svc.Repos.Staging,
			})
			if err != nil {
				return err
			}
			report, err := runner.RunOnce(cmd.Context())
			data := pterm.TableData{
				{"Expired leases", itoa(report.ExpiredLeases)},
				{"Deleted jobs", itoa(report.DeletedJobs)},
				{"Expired snapshots", itoa(report.ExpiredSnapshots)},
				{"Purged segments", itoa(report.PurgedSegments)},
				{"Deleted staging rows", itoa(report.DeletedStaging)},
				{"Elapsed", report.Elapsed.Round(time.Millisecond).String()},
			}
			if rerr := pterm.DefaultTable.WithData(data).Render(); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
}
