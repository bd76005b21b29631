package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/index"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

type searchOptions struct {
	k      int
	format string // "text", "json"
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the configuration relevant to a question",
		Long: `Embed the query and return the stored chunks and knowledge units nearest
to it, most relevant first.

Examples:
  uciagent search "set the wifi password"
  uciagent search "forward port 22 to the NAS" -k 3
  uciagent search "dhcp lease time" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			results, err := r.Retriever.Retrieve(cmd.Context(), query, opts.k)
			if err != nil {
				return err
			}
			return printResults(cmd, results, opts.format)
		},
	}

	cmd.Flags().IntVarP(&opts.k, "top-k", "k", 0, "Number of results (0 uses retrieval.top_k_default)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

type jsonResult struct {
	Path  string  `json:"path"`
	Score float32 `json:"score"`
	Text  string  `json:"text"`
}

func printResults(cmd *cobra.Command, results []*index.Result, format string) error {
	switch format {
	case "json":
		out := make([]jsonResult, 0, len(results))
		for _, r := range results {
			out = append(out, jsonResult{Path: r.Path, Score: r.Score, Text: r.Text})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "text":
		out := output.NewAuto(cmd.OutOrStdout())
		if len(results) == 0 {
			out.Warning("No matching configuration")
			return nil
		}
		for i, r := range results {
			out.Statusf(fmt.Sprintf("%d.", i+1), "%s (score %.3f)", r.Path, r.Score)
			out.Code(r.Text)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}
}
