package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newLearnCmd(a *app) *cobra.Command {
	var query, scriptPath string

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Record a script that answered a question",
		Long: `After a script has been applied to the device, resync the packages it
modifies and store the question, the script and the configuration now
relevant to it as a knowledge unit.

The script is read from a file, or from stdin with --script -.

Examples:
  uciagent learn --query "set the wifi password" --script fix.sh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			script, err := readScript(cmd.InOrStdin(), scriptPath)
			if err != nil {
				return err
			}

			r, err := a.runner(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := r.Coordinator.Learn(cmd.Context(), r.Retriever, query, script)
			if err != nil {
				return err
			}

			out := output.NewAuto(cmd.OutOrStdout())
			printSyncReport(out, report.Sync)
			out.Successf("Stored %s (%d related chunks)", report.KnowledgePath, len(report.Related))
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "The question the script answered")
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Script file, or - for stdin")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("script")

	return cmd
}

func readScript(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", agenterrors.New(agenterrors.ErrCodeFileNotFound, fmt.Sprintf("failed to read script %s", path), err)
	}
	return string(data), nil
}
