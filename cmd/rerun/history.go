package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aponysus/rerun/history"
	"github.com/aponysus/rerun/policy"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <pkg.TestName>",
		Short: "Show recorded verdicts and the flake rate of a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			if !cfg.HistoryEnabled() {
				return usageError("history: no history store configured (set history.dsn)")
			}
			id := policy.ParseIdentity(args[0])
			if id.IsZero() {
				return usageError("history: empty test name")
			}

			ctx := cmd.Context()
			store, err := history.Open(ctx, cfg.History, history.WithLogger(logger))
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Verdicts(ctx, id, limit)
			if err != nil {
				return err
			}
			flaky, total, err := store.FlakeRate(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if total == 0 {
				fmt.Fprintf(out, "%s: no recorded runs\n", id)
				return nil
			}
			fmt.Fprintf(out, "%s: flaky in %d of %d runs (%.1f%%)\n", id, flaky, total, 100*float64(flaky)/float64(total))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tOUTCOME\tATTEMPTS\tPASSES\tSOURCE\tSESSION")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.FinishedAt.Format(time.RFC3339), r.Outcome, r.Attempts, r.Passes, r.Source, r.Session)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of verdicts to show")
	return cmd
}
