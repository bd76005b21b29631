// Package cmd provides the CLI commands for uciagent.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/index"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/logging"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/profiling"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/pkg/version"
)

// app carries what the persistent pre-run loads to every subcommand.
type app struct {
	dir     string
	envFile string
	debug   bool
	stderr  bool

	profile        profiling.Options
	cfg            *config.Config
	loggingCleanup func()
	profiler       *profiling.Session

	// deps replaces collaborators in tests.
	deps index.RunnerDependencies
}

// NewRootCmd creates the root command for the uciagent CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uciagent",
		Short: "Retrieval index over OpenWrt UCI configuration",
		Long: `uciagent keeps a vector index of an OpenWrt device's UCI configuration
in step with the device, and retrieves the configuration relevant to a
natural-language question.

Exports are read over SSH ("uci export") or from a directory holding one
exported file per package.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	cmd.SetVersionTemplate("uciagent version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&a.dir, "dir", "C", ".", "Directory holding .uciagent.yaml; relative paths resolve against it")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before configuration")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&a.stderr, "log-stderr", false, "Also write logs to stderr")
	cmd.PersistentFlags().StringVar(&a.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newLearnCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newCheckCmd(a))
	cmd.AddCommand(newCompactCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newDoctorCmd(a))
	cmd.AddCommand(newLogsCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads the environment file, the configuration and the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return agenterrors.ConfigError(fmt.Sprintf("failed to load %s", a.envFile), err)
		}
	}

	cfg, err := config.Load(a.dir)
	if err != nil {
		return agenterrors.ConfigError("failed to load configuration", err)
	}
	a.cfg = cfg

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      config.ExpandHome(cfg.Logging.File),
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: a.stderr,
	}
	if a.debug {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.loggingCleanup = cleanup
	slog.SetDefault(logger)

	if a.profile.Enabled() {
		if a.profiler, err = profiling.Start(a.profile); err != nil {
			return err
		}
	}

	slog.Debug("configuration loaded",
		slog.String("data_dir", cfg.DataDir),
		slog.String("source", cfg.Source.Kind),
		slog.String("embeddings", cfg.Embeddings.Provider))
	return nil
}

func (a *app) teardown() {
	if a.profiler != nil {
		if err := a.profiler.Stop(); err != nil {
			slog.Warn("failed to write profiles", slog.String("error", err.Error()))
		}
		a.profiler = nil
	}
	if a.loggingCleanup != nil {
		slog.SetDefault(logging.Discard())
		a.loggingCleanup()
		a.loggingCleanup = nil
	}
}

// runner opens the data directory with every collaborator built from config.
func (a *app) runner(ctx context.Context) (*index.Runner, error) {
	deps := a.deps
	deps.Config = a.cfg
	return index.NewRunner(ctx, deps)
}

// Execute runs the root command and prints any error for the terminal.
func Execute() error {
	a := &app{}
	err := newRootCmd(a).ExecuteContext(context.Background())
	if err != nil {
		slog.Error("command failed", agenterrors.LogAttrs(err)...)
		_, _ = fmt.Fprint(os.Stderr, agenterrors.FormatForCLI(err))
	}
	a.teardown()
	return err
}
