package cmd

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newStatusCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the index and the sync state of every package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			st, err := r.Coordinator.Status(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			out := output.NewAuto(cmd.OutOrStdout())
			out.Statusf("📂", "Data directory: %s", st.DataDir)
			out.Statusf("🧮", "Vectors: %d  Orphaned: %d  Mapped: %d  Next id: %d  Knowledge units: %d",
				st.Vectors, st.Orphans, st.Mapped, st.NextID, st.Knowledge)
			out.Statusf("🔤", "Embedder: %s (%d dimensions)", st.Embedder.Model, st.Embedder.Dimensions)
			out.Newline()

			if len(st.Modules) == 0 {
				out.Warning("No packages synced yet; run 'uciagent sync'")
				return nil
			}
			rows := make([][]string, 0, len(st.Modules))
			for _, m := range st.Modules {
				rows = append(rows, []string{
					m.Module,
					string(m.State),
					strconv.Itoa(m.Chunks),
					m.UpdatedAt.Local().Format(time.DateTime),
					m.LastError,
				})
			}
			out.Table([]string{"PACKAGE", "STATE", "CHUNKS", "UPDATED", "LAST ERROR"}, rows)

			if len(st.Runs) > 0 {
				out.Newline()
				runRows := make([][]string, 0, len(st.Runs))
				for _, run := range st.Runs {
					runRows = append(runRows, []string{
						run.Kind,
						run.StartedAt.Local().Format(time.DateTime),
						run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
						"+" + strconv.Itoa(run.Added),
						"-" + strconv.Itoa(run.Removed),
						run.Error,
					})
				}
				out.Table([]string{"RUN", "STARTED", "TOOK", "ADDED", "REMOVED", "ERROR"}, runRows)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}
