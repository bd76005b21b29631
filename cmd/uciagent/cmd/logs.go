package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/logging"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
)

type logsOptions struct {
	follow bool
	lines  int
	level  string
	filter string
	file   string
}

func newLogsCmd(a *app) *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the uciagent log",
		Long: `Show the last lines of the JSON log (logging.file, default
~/.uciagent/logs/uciagent.log) in a readable form.

Examples:
  uciagent logs -n 100
  uciagent logs -f --level warn
  uciagent logs --filter wireless`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.logs(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only lines matching this regex")
	cmd.Flags().StringVar(&opts.file, "file", "", "Log file (default logging.file)")

	return cmd
}

func (a *app) logs(cmd *cobra.Command, opts logsOptions) error {
	path := opts.file
	if path == "" {
		path = config.ExpandHome(a.cfg.Logging.File)
	}
	if path == "" {
		path = logging.DefaultLogPath()
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		var err error
		if pattern, err = regexp.Compile(opts.filter); err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	v := logging.NewViewer(logging.ViewerConfig{
		Level:   opts.level,
		Pattern: pattern,
		NoColor: !output.IsTTY(out) || output.DetectNoColor(),
	}, out)

	entries, err := v.Tail(path, opts.lines)
	if err != nil {
		return err
	}
	v.Print(entries)
	if !opts.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ch := make(chan logging.Entry, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- v.Follow(ctx, path, ch) }()
	for {
		select {
		case e := <-ch:
			v.Print([]logging.Entry{e})
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
