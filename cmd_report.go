package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/swgillespie/apollo/tourney/pkg/arena"
	"github.com/swgillespie/apollo/tourney/pkg/match"
)

func reportCommand() *cobra.Command {
	opts := &storeOptions{}
	var engine1 string
	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Summarize a recorded run, or list recorded runs",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.path == "" {
				return usagef("--results-db is required")
			}
			ctx := cmd.Context()
			st, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st)

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := st.Runs(ctx)
				if err != nil {
					return err
				}
				for _, run := range runs {
					fmt.Fprintln(out, run)
				}
				return nil
			}

			results, ok, err := st.Results(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("no run %s in %s", args[0], opts.path)
			}

			e1, e2, err := reportEngines(results, engine1)
			if err != nil {
				return usageError{err}
			}
			fmt.Fprintf(out, "Run %s: %s games\n", args[0], humanize.Comma(int64(len(results))))
			if n := distinctCommands(results); n > 2 {
				fmt.Fprintf(out, "Run has %d distinct commands; wins by commands other than the two below are counted separately\n", n)
			}
			arena.Summarize(results, e1, e2).Write(out, match.CommandKey(e1), match.CommandKey(e2))
			writeInvalidMoves(out, results)
			return nil
		},
	}
	opts.register(cmd.Flags())
	cmd.Flags().StringVar(&engine1, "engine1", "", "command to report as engine 1 (default: player 1 of the first game)")
	return cmd
}

// reportEngines picks the two commands of a run. results are ordered by game
// id, so by default engine 1 is whoever played first in the first game.
func reportEngines(results []match.GameResult, engine1 string) ([]string, []string, error) {
	if len(results) == 0 {
		return nil, nil, errors.New("run has no results")
	}
	first := results[0]
	if engine1 == "" || engine1 == match.CommandKey(first.P1Cmd) {
		return first.P1Cmd, first.P2Cmd, nil
	}
	if engine1 == match.CommandKey(first.P2Cmd) {
		return first.P2Cmd, first.P1Cmd, nil
	}
	return nil, nil, errors.Errorf("engine %q did not play in this run", engine1)
}

func distinctCommands(results []match.GameResult) int {
	seen := make(map[string]bool)
	for _, r := range results {
		seen[match.CommandKey(r.P1Cmd)] = true
		seen[match.CommandKey(r.P2Cmd)] = true
	}
	return len(seen)
}
