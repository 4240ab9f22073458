package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/model"
)

var (
	syncSourceID string
	syncMode     string
	syncCategory string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push a child's resolved rules to one source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		mode := model.SyncMode(syncMode)
		switch mode {
		case model.SyncModeFull, model.SyncModeIncremental:
		case model.SyncModeSingleRule:
			if syncCategory == "" {
				return eris.New("--category is required for single_rule mode")
			}
		default:
			return eris.Errorf("unknown sync mode %q", syncMode)
		}

		job, err := e.Syncer.Sync(ctx, syncSourceID, mode, model.RuleCategory(syncCategory))
		if err != nil {
			return eris.Wrap(err, "run sync")
		}

		results, err := e.Store.ListSyncResults(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "list sync results")
		}

		zap.L().Info("sync finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("categories", len(results)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "results": results})
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncSourceID, "source", "", "source ID (required)")
	syncCmd.Flags().StringVar(&syncMode, "mode", "full", "sync mode: full, incremental, single_rule")
	syncCmd.Flags().StringVar(&syncCategory, "category", "", "rule category for single_rule mode")
	_ = syncCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(syncCmd)
}
