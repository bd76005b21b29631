package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/embed"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/preflight"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
)

func newDoctorCmd(a *app) *cobra.Command {
	var verbose, jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the data directory, embedding endpoint and configuration source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			embedder := a.deps.Embedder
			if embedder == nil {
				e, err := embed.NewEmbedder(a.cfg.Embeddings)
				if err != nil {
					return err
				}
				defer e.Close()
				embedder = e
			}
			exporter := a.deps.Exporter
			if exporter == nil {
				x, err := source.FromConfig(a.cfg.Source)
				if err != nil {
					return err
				}
				exporter = x
			}

			checker := preflight.New(
				preflight.WithEmbedder(embedder),
				preflight.WithExporter(exporter),
				preflight.WithVerbose(verbose),
			)
			results := checker.RunAll(cmd.Context(), a.cfg.DataDir)

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				checker.PrintResults(output.NewAuto(cmd.OutOrStdout()), results)
			}

			if checker.HasCriticalFailures(results) {
				return fmt.Errorf("system check failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for each check")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	return cmd
}
