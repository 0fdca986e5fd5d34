package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aponysus/rerun/config"
	"github.com/aponysus/rerun/controlplane/server"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		listen  string
		entries string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flaky-test entries from a YAML file",
		Long: `serve answers GET /api/v1/flaky-tests?repo_name=..&job_name=.. from an
entries file, reloading it when it changes on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Server.Listen
			}
			if entries == "" {
				entries = cfg.Server.EntriesFile
			}
			if entries == "" {
				return usageError("serve: no entries file (set server.entries_file or --entries)")
			}

			srv, err := server.New(
				server.WithEntriesFile(entries),
				server.WithToken(cfg.Server.Token),
				server.WithLogger(logger))
			if err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}
			w, err := config.Watch(entries, srv.Reload, config.WithWatchLogger(logger))
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen)")
	cmd.Flags().StringVar(&entries, "entries", "", "entries file (default: server.entries_file)")
	return cmd
}
