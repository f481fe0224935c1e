package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swgillespie/apollo/tourney/pkg/arena"
	"github.com/swgillespie/apollo/tourney/pkg/match"
)

const invalidMovesShown = 5

type runOptions struct {
	match matchOptions
	store storeOptions
	games int
	seed  int64
}

func runCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run engine1 engine2",
		Short: "Play a batch of games between two engines",
		Long: "Play a batch of games between two engine commands. Each command is\n" +
			"split like a shell would, so quote it when it carries arguments.",
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("seed") {
				opts.seed = time.Now().Unix()
			}
			return opts.run(cmd, global, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.games, "games", "n", 10, "number of games")
	flags.Int64Var(&opts.seed, "seed", 0, "base seed; game i uses seed+i (default: current time)")
	opts.match.register(flags, 0)
	opts.store.register(flags)
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, global *globalOptions, engine1, engine2 string) error {
	if o.games <= 0 {
		return usagef("--games must be > 0")
	}
	e1, err := splitCommand("engine1", engine1)
	if err != nil {
		return err
	}
	e2, err := splitCommand("engine2", engine2)
	if err != nil {
		return err
	}
	cfg, err := o.match.config(global.verbose)
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	st, err := o.store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	runID := uuid.NewString()
	workers := o.match.workers(o.games)
	out := cmd.OutOrStdout()

	pairing := arena.Pairing{
		Engine1:   e1,
		Engine2:   e2,
		Games:     o.games,
		BaseSeed:  o.seed,
		SwapSides: !o.match.noSwapSides,
	}

	exec := newExecutor(cfg, workers)
	exec.Recorder = recorder(ctx, st, runID)
	if o.games > 1 {
		exec.Progress = progressPrinter(cmd.ErrOrStderr())
	}

	log.WithFields(log.Fields{
		"run":     runID,
		"games":   o.games,
		"seed":    o.seed,
		"workers": workers,
	}).Info("starting batch")

	start := time.Now()
	results, runErr := exec.Run(ctx, pairing.Schedule())
	elapsed := time.Since(start)
	if runErr != nil {
		log.WithError(runErr).Warn("batch interrupted, reporting partial results")
	}

	sort.Slice(results, func(i, j int) bool { return results[i].GameID < results[j].GameID })
	if o.games == 1 && len(results) == 1 {
		writeSingleResult(out, results[0])
	}
	summary := arena.Summarize(results, e1, e2)
	summary.Write(out, match.CommandKey(e1), match.CommandKey(e2))
	writeInvalidMoves(out, results)
	writeAbnormal(out, results)
	fmt.Fprintf(out, "Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if o.store.path != "" {
		fmt.Fprintf(out, "Run: %s\n", runID)
	}

	if runErr != nil {
		return errors.Wrap(runErr, "batch interrupted")
	}
	if summary.Errors > 0 {
		return errAbnormalGames
	}
	return nil
}

func writeSingleResult(w io.Writer, r match.GameResult) {
	fmt.Fprintf(w, "Winner: %d, turns: %d, reason: %s\n", r.Winner, r.Turns, r.Reason)
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}

// writeInvalidMoves lists the first few games lost to an invalid move.
func writeInvalidMoves(w io.Writer, results []match.GameResult) {
	shown := 0
	for _, r := range results {
		if !r.Won() || !r.InvalidMove() {
			continue
		}
		if shown == invalidMovesShown {
			fmt.Fprintln(w, "  ...")
			return
		}
		if shown == 0 {
			fmt.Fprintln(w, "Invalid moves:")
		}
		loser := r.P2Cmd
		if r.Winner == 2 {
			loser = r.P1Cmd
		}
		fmt.Fprintf(w, "  game %d (seed %d): %s: %s\n", r.GameID, r.Seed, match.CommandKey(loser), r.Reason)
		shown++
	}
}

// writeAbnormal lists the first few games that did not finish normally.
func writeAbnormal(w io.Writer, results []match.GameResult) {
	shown := 0
	for _, r := range results {
		if !r.Errored() {
			continue
		}
		if shown == invalidMovesShown {
			fmt.Fprintln(w, "  ...")
			return
		}
		if shown == 0 {
			fmt.Fprintln(w, "Abnormal games:")
		}
		line := fmt.Sprintf("  game %d (seed %d): %s: %s", r.GameID, r.Seed, match.Describe(r.Winner), r.Reason)
		if r.Error != "" {
			line += " (" + r.Error + ")"
		}
		fmt.Fprintln(w, line)
		shown++
	}
}
