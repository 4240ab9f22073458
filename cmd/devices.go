package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/safeguard/internal/model"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect registered devices",
}

var devicesStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List devices that have not acknowledged a policy recently",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		hours, _ := cmd.Flags().GetInt("window-hours")
		if hours <= 0 {
			hours = cfg.Devices.StaleWindowHours
		}

		stale, err := e.Devices.Stale(ctx, time.Duration(hours)*time.Hour)
		if err != nil {
			return eris.Wrap(err, "devices stale")
		}

		if len(stale) == 0 {
			fmt.Fprintln(os.Stderr, "No stale devices.")
			return nil
		}

		formatDeviceList(os.Stdout, stale)
		return nil
	},
}

func init() {
	devicesStaleCmd.Flags().Int("window-hours", 0, "staleness window in hours (default from config)")
	devicesCmd.AddCommand(devicesStaleCmd)
	rootCmd.AddCommand(devicesCmd)
}

// formatDeviceList writes a tabular list of devices to w.
func formatDeviceList(out io.Writer, devices []model.DeviceRegistration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCHILD\tPLATFORM\tPOLICY_VER\tLAST_SEEN\tLAST_ACK")
	_, _ = fmt.Fprintln(w, "--\t-----\t--------\t----------\t---------\t--------")

	for _, d := range devices {
		seen, ack := "never", "never"
		if d.LastSeenAt != nil {
			seen = d.LastSeenAt.Format("2006-01-02 15:04")
		}
		if d.LastAckAt != nil {
			ack = d.LastAckAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(d.ID),
			truncateID(d.ChildID),
			d.PlatformID,
			d.LastPolicyVersion,
			seen,
			ack,
		)
	}
	_ = w.Flush()
}
