package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/target/etl-loader/internal/domain/model"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		table   string
		session string
		status  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent loads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			records, err := svc.Repos.History.List(cmd.Context(), model.HistoryFilter{
				SessionID:   session,
				TargetTable: table,
				Status:      model.LoadStatus(status),
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				pterm.Info.Println("no loads recorded")
				return nil
			}

			data := pterm.TableData{{"ID", "Table", "Status", "Rows", "Inserted", "Updated", "Errors", "Success", "Snapshot", "Created"}}
			for _, r := range records {
				data = append(data, []string{
					r.ID,
					r.TargetTable,
					string(r.Status),
					itoa(r.TotalRows),
					itoa(r.InsertedRows),
					itoa(r.UpdatedRows),
					itoa(r.ErrorRows),
					fmt.Sprintf("%.2f%%", r.SuccessRate),
					string(r.SnapshotState()),
					formatTime(&r.CreatedAt),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of loads to show")
	cmd.Flags().StringVar(&table, "table", "", "only loads into this target table")
	cmd.Flags().StringVar(&session, "session", "", "only loads of this session")
	cmd.Flags().StringVar(&status, "status", "", "only loads with this status")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show load statistics for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
			stats, err := svc.Repos.History.Statistics(cmd.Context(), since)
			if err != nil {
				return err
			}
			stats.PeriodDays = days
			return renderStatistics(stats)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "period in days")
	return cmd
}

func renderStatistics(stats *model.LoadStatistics) error {
	g := stats.General
	pterm.DefaultSection.Printfln("Loads in the last %d days", stats.PeriodDays)
	general := pterm.TableData{
		{"Total loads", itoa(g.TotalLoads)},
		{"Successful", itoa(g.SuccessfulLoads)},
		{"Failed", itoa(g.FailedLoads)},
		{"Success percentage", fmt.Sprintf("%.2f%%", g.SuccessPercentage)},
		{"Avg row success rate", fmt.Sprintf("%.2f%%", g.AvgSuccessRate)},
		{"Avg execution time", (time.Duration(g.AvgExecutionTimeMs) * time.Millisecond).String()},
		{"Rows processed", itoa(g.TotalRowsProcessed)},
		{"Inserted", itoa(g.TotalInserted)},
		{"Updated", itoa(g.TotalUpdated)},
		{"Errors", itoa(g.TotalErrors)},
	}
	if err := pterm.DefaultTable.WithData(general).Render(); err != nil {
		return err
	}
	if len(stats.ByTable) == 0 {
		return nil
	}

	pterm.DefaultSection.Println("By table")
	byTable := pterm.TableData{{"Table", "Loads", "Avg success", "Last load"}}
	for _, t := range stats.ByTable {
		byTable = append(byTable, []string{
			t.Table,
			itoa(t.LoadsCount),
			fmt.Sprintf("%.2f%%", t.AvgSuccessRate),
			formatTime(t.LastLoad),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(byTable).Render()
}

func newFindingsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "findings <session-id>",
		Short: "Show the validation findings of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			findings, err := svc.Repos.Findings.ListBySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(findings) == 0 {
				pterm.Info.Println("no findings for session " + args[0])
				return nil
			}

			data := pterm.TableData{{"Column", "Check", "Severity", "Result"}}
			for _, f := range findings {
				result, err := json.Marshal(f.Result)
				if err != nil {
					return err
				}
				data = append(data, []string{f.ColumnName, string(f.ValidationType), string(f.Severity), string(result)})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			counts := model.CountBySeverity(findings)
			pterm.Info.Printfln("worst: %s (errors %d, warnings %d, info %d)",
				model.WorstSeverity(findings),
				counts[model.SeverityError], counts[model.SeverityWarning], counts[model.SeverityInfo])
			return nil
		},
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
