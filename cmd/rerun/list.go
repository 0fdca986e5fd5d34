package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aponysus/rerun/ci"
)

func newListCmd(g *globalOptions) *cobra.Command {
	var (
		dir         string
		flaky       []string
		flaggedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list [packages]",
		Short: "List tests and the policy each one would run under",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			opts := runOptions{flaky: flaky}
			store, err := newStore(cfg, logger, opts.markers())
			if err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}
			ctx := cmd.Context()
			loadRemote(ctx, cfg, cfg.ApplyCI(ci.DetectFrom(os.Getenv), os.Getenv), store, logger)

			runner := newRunner(dir, nil)
			runner.Logger = logger
			tests, err := runner.List(ctx, args...)
			if err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TEST\tFLAGGED\tSOURCE\tMAX_RUNS\tMIN_PASSES\tMATCH")
			for _, id := range tests {
				res := store.Resolve(id)
				if flaggedOnly && !res.Flagged {
					continue
				}
				if !res.Flagged {
					fmt.Fprintf(tw, "%s\tno\t-\t1\t1\t\n", id)
					continue
				}
				fmt.Fprintf(tw, "%s\tyes\t%s\t%d\t%d\t%s\n", id, res.Source,
					res.Policy.MaxRuns, res.Policy.MinPasses, res.Match)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "module directory (default: current directory)")
	cmd.Flags().StringArrayVar(&flaky, "flaky", nil, "flag tests matching this glob (repeatable)")
	cmd.Flags().BoolVar(&flaggedOnly, "flagged", false, "only list flagged tests")
	return cmd
}
