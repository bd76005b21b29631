package cmd

import (
	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newCompactCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the vector index by removing orphaned nodes",
		Long: `Rebuild the HNSW graph from its live vectors only.

Removing a package's chunks leaves their nodes in the graph; searches skip
them but still pay for them. Syncs compact automatically once orphans
outnumber live vectors. No re-embedding is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			stats, removed, err := r.Coordinator.Compact(cmd.Context())
			if err != nil {
				return err
			}

			out := output.NewAuto(cmd.OutOrStdout())
			if removed == 0 {
				out.Successf("Nothing to compact: %d live vectors", stats.Live)
				return nil
			}
			out.Successf("Removed %d orphaned nodes; %d live vectors remain", removed, stats.Live)
			return nil
		},
	}
}
