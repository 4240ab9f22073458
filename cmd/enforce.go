package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/model"
)

var (
	enforceChildID     string
	enforceTrigger     string
	enforcePlatforms   []string
	enforceAllChildren bool
)

var enforceCmd = &cobra.Command{
	Use:   "enforce",
	Short: "Run an enforcement job for a child, or sweep all children",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if enforceChildID == "" && !enforceAllChildren {
			return eris.New("either --child or --all-children is required")
		}
		if enforceChildID != "" && enforceAllChildren {
			return eris.New("--child and --all-children are mutually exclusive")
		}
		if enforceAllChildren && len(enforcePlatforms) > 0 {
			return eris.New("--platforms requires --child")
		}

		trigger := model.TriggerType(enforceTrigger)
		switch trigger {
		case model.TriggerManual, model.TriggerScheduled, model.TriggerPolicyChange:
		default:
			return eris.Errorf("unknown trigger type %q", enforceTrigger)
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if enforceAllChildren {
			return enforceSweep(ctx, e, trigger)
		}

		job, err := e.Dispatch.Trigger(ctx, dispatch.TriggerRequest{
			ChildID:     enforceChildID,
			PlatformIDs: enforcePlatforms,
			Trigger:     trigger,
		})
		if err != nil {
			return eris.Wrap(err, "trigger enforcement")
		}

		// one-shot command: block until the background run finishes
		e.Dispatch.Wait()
		job, err = e.Store.GetEnforcementJob(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "reload job")
		}

		results, err := e.Store.ListEnforcementResults(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "list results")
		}

		zap.L().Info("enforcement finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("platforms", len(results)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "results": results})
	},
}

// enforceSweep runs one job per child. Children without an active policy or
// without verified links are skipped, not errors: a sweep is expected to hit
// both kinds regularly.
func enforceSweep(ctx context.Context, e *env, trigger model.TriggerType) error {
	children, err := e.Store.ListChildren(ctx, "")
	if err != nil {
		return eris.Wrap(err, "list children")
	}

	var ran, skipped, failed int
	jobs := make([]*model.EnforcementJob, 0, len(children))
	for _, child := range children {
		job, err := e.Dispatch.Trigger(ctx, dispatch.TriggerRequest{ChildID: child.ID, Trigger: trigger})
		switch {
		case err == nil:
			ran++
			jobs = append(jobs, job)
		case errors.Is(err, compiler.ErrNoActivePolicy), errors.Is(err, dispatch.ErrNoTargets):
			skipped++
		default:
			failed++
			zap.L().Error("sweep enforcement failed",
				zap.String("child_id", child.ID), zap.Error(err))
		}
	}

	e.Dispatch.Wait()
	for i, job := range jobs {
		done, err := e.Store.GetEnforcementJob(ctx, job.ID)
		if err == nil {
			jobs[i] = done
		}
	}

	zap.L().Info("enforcement sweep finished",
		zap.Int("children", len(children)),
		zap.Int("ran", ran),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jobs); err != nil {
		return err
	}
	if failed > 0 {
		return eris.Errorf("%d of %d children failed to enforce", failed, len(children))
	}
	return nil
}

func init() {
	enforceCmd.Flags().StringVar(&enforceChildID, "child", "", "child ID")
	enforceCmd.Flags().StringVar(&enforceTrigger, "trigger", "manual", "trigger type: manual, scheduled, policy_change")
	enforceCmd.Flags().StringSliceVar(&enforcePlatforms, "platforms", nil, "restrict to these platform IDs (default: all verified links)")
	enforceCmd.Flags().BoolVar(&enforceAllChildren, "all-children", false, "run for every child with an active policy and verified links")
	rootCmd.AddCommand(enforceCmd)
}
