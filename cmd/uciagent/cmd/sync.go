package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/index"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newSyncCmd(a *app) *cobra.Command {
	var opts index.RunnerConfig

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the index in step with the device configuration",
		Long: `Export UCI configuration and update the chunk files, vector index and
mapping table.

Without flags, sync bootstraps an empty data directory with a full sync, or
else resumes packages left stale or interrupted.

Examples:
  uciagent sync --full
  uciagent sync --module network --module wireless
  uciagent sync --stale`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.NewAuto(cmd.OutOrStdout())

			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := r.Run(cmd.Context(), opts)
			if report != nil && (err == nil || len(report.Failed) > 0) {
				printSyncReport(out, report)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Full, "full", false, "Rebuild everything from a full export")
	cmd.Flags().StringSliceVarP(&opts.Modules, "module", "m", nil, "Resync one package (repeatable)")
	cmd.Flags().BoolVar(&opts.Stale, "stale", false, "Resync every package marked stale")
	cmd.MarkFlagsMutuallyExclusive("full", "module", "stale")

	return cmd
}

func printSyncReport(out *output.Writer, r *index.SyncReport) {
	scope := r.Kind
	if len(r.Modules) > 0 {
		scope += " (" + strings.Join(r.Modules, ", ") + ")"
	}
	if len(r.Failed) > 0 {
		out.Warningf("%s sync: +%d -%d chunks, failed: %s",
			scope, r.Added, r.Removed, strings.Join(r.Failed, ", "))
		return
	}
	out.Successf("%s sync: +%d -%d chunks in %s", scope, r.Added, r.Removed, r.Duration.Round(time.Millisecond))
}
