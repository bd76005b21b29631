package cmd

import (
	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newCheckCmd(a *app) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the vector index, mapping table and chunk files agree",
		Long: `Look for vectors without a mapping entry, mapping entries without a vector
or file, and chunk files nothing maps to.

Opening the data directory already repairs what it finds; --repair runs the
repair again under the sync lock and reports it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			result, err := r.Coordinator.Check(cmd.Context(), repair)
			if err != nil {
				return err
			}

			out := output.NewAuto(cmd.OutOrStdout())
			if result.Consistent() {
				out.Successf("Consistent: %d entries checked in %s", result.Checked, result.Duration)
				return nil
			}
			for _, issue := range result.Inconsistencies {
				out.Statusf("•", "%s id=%d %s %s", issue.Type, issue.ID, issue.Path, issue.Details)
			}
			if repair {
				out.Successf("Repaired %d inconsistencies", len(result.Inconsistencies))
			} else {
				out.Warningf("%d inconsistencies; run with --repair to fix", len(result.Inconsistencies))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Fix what is found and persist")
	return cmd
}
