package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/webhook"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage webhook deliveries",
}

// -- webhooks deliver --

var webhooksDeliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Process one batch of due webhook deliveries",
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

		batch, _ := cmd.Flags().GetInt("batch")
		scheduler := webhook.NewScheduler(st, webhook.NewDeliverer(st), &webhook.SchedulerOptions{
			BatchSize: batch,
		})
		return eris.Wrap(scheduler.RunOnce(ctx), "webhooks deliver")
	},
}

// -- webhooks failed --

var webhooksFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed deliveries",
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

		limit, _ := cmd.Flags().GetInt("limit")
		deliveries, err := st.FailedDeliveries(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "webhooks failed")
		}

		if len(deliveries) == 0 {
			fmt.Fprintln(os.Stderr, "No failed deliveries.")
			return nil
		}

		formatDeliveryList(os.Stdout, deliveries)
		return nil
	},
}

func init() {
	webhooksDeliverCmd.Flags().Int("batch", 50, "max deliveries to process")
	webhooksFailedCmd.Flags().Int("limit", 50, "max deliveries to display")

	webhooksCmd.AddCommand(webhooksDeliverCmd)
	webhooksCmd.AddCommand(webhooksFailedCmd)
	rootCmd.AddCommand(webhooksCmd)
}

// formatDeliveryList writes a tabular list of deliveries to w.
func formatDeliveryList(out io.Writer, deliveries []model.WebhookDelivery) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWEBHOOK\tEVENT\tATTEMPTS\tLAST_ERROR\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t--------\t----------\t-------")

	for _, d := range deliveries {
		lastErr := d.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(d.ID),
			truncateID(d.WebhookID),
			d.Event,
			d.Attempts,
			lastErr,
			d.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
