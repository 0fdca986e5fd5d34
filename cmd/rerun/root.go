package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aponysus/rerun/config"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Run Go tests, rerunning the ones flagged as flaky",
		Long: `rerun runs Go tests and gives tests flagged as flaky extra runs.

A flagged test passes once it has passed min_passes times within max_runs
attempts. Tests are flagged by markers in the configuration file or by the
flaky-test service; everything else runs exactly once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log.format (text, json)")

	cmd.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds the logger, applying flag
// overrides.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, nil, &exitError{code: 2, msg: err.Error()}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "path", o.configPath)
	return cfg, logger, nil
}

func usageError(format string, args ...any) error {
	return &exitError{code: 2, msg: fmt.Sprintf(format, args...)}
}
