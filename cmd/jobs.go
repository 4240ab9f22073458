package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage enforcement jobs",
	Long:  "Commands for listing, viewing, retrying, and cancelling enforcement jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enforcement jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		childID, _ := cmd.Flags().GetString("child")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListEnforcementJobs(ctx, store.JobFilter{
			ChildID: childID,
			Status:  model.JobStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its per-platform results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetEnforcementJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		results, err := st.ListEnforcementResults(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "jobs show results")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "results": results})
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-run the failed platforms of a failed or partial job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.Dispatch.Retry(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}

		zap.L().Info("retry finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Dispatch.Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Println("cancelled")
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("child", "", "filter by child ID")
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, running, completed, failed, partial, cancelled)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.EnforcementJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCHILD\tTRIGGER\tSTATUS\tCREATED\tCOMPLETED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-------\t------\t-------\t---------")

	for _, j := range jobs {
		completed := ""
		if j.CompletedAt != nil {
			completed = j.CompletedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(j.ID),
			truncateID(j.ChildID),
			j.Trigger,
			j.Status,
			j.CreatedAt.Format("2006-01-02 15:04"),
			completed,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
