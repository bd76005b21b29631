package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/configs"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(a.cfg)
		},
	}
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force, effective bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented .uciagent.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := filepath.Join(a.dir, config.ProjectConfigName)
			if _, err := os.Stat(path); err == nil && !force {
				return agenterrors.New(agenterrors.ErrCodeInvalidInput, path+" already exists", nil).
					WithSuggestion("Use --force to overwrite it")
			}
			var err error
			if effective {
				err = a.cfg.WriteYAML(path)
			} else {
				err = os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644)
			}
			if err != nil {
				return agenterrors.New(agenterrors.ErrCodeFileWrite, "failed to write "+path, err)
			}
			output.NewAuto(cmd.OutOrStdout()).Successf("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&effective, "effective", false, "Write the effective configuration instead of the commented template")
	return cmd
}
