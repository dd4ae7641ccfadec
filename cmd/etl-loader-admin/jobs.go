package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/target/etl-loader/internal/domain/model"
)

func newStageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stage <source_ref> <file.ndjson|file.json>",
		Short: "Append dataset rows to the staging area",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(args[1])
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.Repos.Staging.Append(cmd.Context(), args[0], rows)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("staged %d rows under %s", n, args[0])
			return nil
		},
	}
}

// jobFile is the YAML form of an enqueue request.
type jobFile struct {
	ID         string         `yaml:"id"`
	SessionID  string         `yaml:"session_id"`
	Type       model.JobType  `yaml:"type"`
	Priority   int            `yaml:"priority"`
	Parameters map[string]any `yaml:"parameters"`
}

func (f *jobFile) request() (*model.EnqueueJobRequest, error) {
	params, err := yamlToJSON(f.Parameters)
	if err != nil {
		return nil, err
	}
	return &model.EnqueueJobRequest{
		ID:         f.ID,
		SessionID:  f.SessionID,
		Type:       f.Type,
		Priority:   f.Priority,
		Parameters: params,
	}, nil
}

func newEnqueueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <params.yaml>",
		Short: "Enqueue a load, validate or rollback job from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f jobFile
			if err := readYAML(args[0], &f); err != nil {
				return err
			}
			req, err := f.request()
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Jobs.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("enqueued %s job %s (session %s)", job.Type, job.ID, job.SessionID)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderJob(job)
		},
	}
}

func renderJob(job *model.Job) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"ID", job.ID},
		{"Session", job.SessionID},
		{"Type", string(job.Type)},
		{"Status", string(job.Status)},
		{"Priority", strconv.Itoa(job.Priority)},
		{"Progress", fmt.Sprintf("%d%%", job.Progress)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
	}
	if job.ErrorMessage != nil {
		data = append(data, []string{"Error", *job.ErrorMessage})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if len(job.Result) > 0 {
		pterm.Info.Println("Result:")
		pterm.Println(indentJSON(job.Result))
	}
	return nil
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Jobs.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("cancelled job %s", args[0])
			return nil
		},
	}
}

func newQueueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Summarise the job queue by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			status, err := svc.Jobs.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(status.Statuses))
			for s := range status.Statuses {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			data := pterm.TableData{{"Status", "Jobs", "Avg duration"}}
			for _, s := range statuses {
				sum := status.Statuses[model.JobStatus(s)]
				data = append(data, []string{
					s,
					strconv.Itoa(sum.Count),
					(time.Duration(sum.AvgDurationSeconds * float64(time.Second))).Round(time.Millisecond).String(),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Info.Printfln("total: %d", status.Total())
			return nil
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "rollback <history-id>",
		Short: "Undo a completed load from its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			if async {
				params, err := json.Marshal(model.RollbackParameters{HistoryID: args[0]})
				if err != nil {
					return err
				}
				job, err := svc.Jobs.Enqueue(cmd.Context(), &model.EnqueueJobRequest{
					Type:       model.JobTypeRollback,
					Priority:   model.MaxPriority,
					Parameters: params,
				})
				if err != nil {
					return err
				}
				pterm.Success.Printfln("enqueued rollback job %s", job.ID)
				return nil
			}

			spinner, _ := pterm.DefaultSpinner.Start("rolling back " + args[0])
			res, err := svc.Rollback.Rollback(cmd.Context(), args[0])
			if err != nil {
				if spinner != nil {
					spinner.Fail(err.Error())
				}
				return err
			}
			msg := fmt.Sprintf("rolled back %s: %d rows deleted, %d rows restored",
				res.TargetTable, res.DeletedRows, res.RestoredRows)
			if spinner != nil {
				spinner.Success(msg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "enqueue a rollback job instead of running it here")
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
