package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/safeguard/internal/model"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policies and compiled rule sets",
}

// -- policy list --

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a child's policies",
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
		policies, err := st.ListPolicies(ctx, childID)
		if err != nil {
			return eris.Wrap(err, "policy list")
		}

		if len(policies) == 0 {
			fmt.Fprintln(os.Stderr, "No policies found.")
			return nil
		}

		formatPolicyList(os.Stdout, policies)
		return nil
	},
}

// -- policy compile --

var policyCompileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile and print a child's effective rule set",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		childID, _ := cmd.Flags().GetString("child")
		set, err := e.Compiler.Compile(ctx, childID)
		if err != nil {
			return eris.Wrap(err, "policy compile")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(set)
	},
}

func init() {
	policyListCmd.Flags().String("child", "", "child ID (required)")
	_ = policyListCmd.MarkFlagRequired("child")
	policyCompileCmd.Flags().String("child", "", "child ID (required)")
	_ = policyCompileCmd.MarkFlagRequired("child")

	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyCompileCmd)
	rootCmd.AddCommand(policyCmd)
}

// formatPolicyList writes a tabular list of policies to w.
func formatPolicyList(out io.Writer, policies []model.Policy) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIORITY\tVERSION\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-------\t-------")

	for _, p := range policies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(p.ID),
			p.Name,
			p.Status,
			p.Priority,
			p.Version,
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
