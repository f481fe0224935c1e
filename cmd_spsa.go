package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swgillespie/apollo/tourney/pkg/optimize"
	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

type spsaOptions struct {
	match  matchOptions
	store  storeOptions
	schema schemaOptions
	spsa   optimize.SPSAConfig

	engine          string
	initial         string
	baselineWeights string
	baselineCmd     string
	refereeLog      bool
	errorPenalty    float64
}

func spsaCommand(global *globalOptions) *cobra.Command {
	opts := &spsaOptions{spsa: optimize.DefaultSPSAConfig()}
	cmd := &cobra.Command{
		Use:   "spsa",
		Short: "Tune engine weights with simultaneous perturbation stochastic approximation",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, global)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.engine, "engine", "", "engine command; the weights are appended as trailing arguments")
	flags.StringVar(&opts.initial, "init-weights", "", "comma separated starting weights (default: schema defaults)")
	flags.StringVar(&opts.baselineWeights, "baseline-weights", "", "comma separated weights for the baseline engine (default: schema defaults)")
	flags.StringVar(&opts.baselineCmd, "baseline-cmd", "", "baseline opponent command, overrides --baseline-weights")
	flags.BoolVar(&opts.refereeLog, "referee-log", false, "let the referee write its own logs instead of passing --no-log")
	flags.Float64Var(&opts.errorPenalty, "error-penalty", 0.25, "fitness subtracted per abnormal game")
	flags.IntVar(&opts.spsa.Iterations, "iterations", opts.spsa.Iterations, "SPSA iterations")
	flags.IntVar(&opts.spsa.GamesPerEval, "games-per-eval", opts.spsa.GamesPerEval, "games per fitness evaluation")
	flags.IntVar(&opts.spsa.FinalGames, "final-games", opts.spsa.FinalGames, "games for the final evaluation of the best point")
	flags.Float64Var(&opts.spsa.Gain, "a", opts.spsa.Gain, "step size numerator")
	flags.Float64Var(&opts.spsa.Perturbation, "c", opts.spsa.Perturbation, "perturbation size numerator")
	flags.Float64Var(&opts.spsa.Stability, "stability", opts.spsa.Stability, "step size stability constant")
	flags.Float64Var(&opts.spsa.Alpha, "alpha", opts.spsa.Alpha, "step size decay exponent")
	flags.Float64Var(&opts.spsa.Gamma, "gamma", opts.spsa.Gamma, "perturbation decay exponent")
	flags.Int64Var(&opts.spsa.Seed, "seed", opts.spsa.Seed, "random seed")
	opts.match.register(flags, 4)
	opts.store.register(flags)
	opts.schema.register(flags, weights.Linear.Name)
	cmd.MarkFlagRequired("engine")
	return cmd
}

func (o *spsaOptions) run(cmd *cobra.Command, global *globalOptions) error {
	if err := o.spsa.Validate(); err != nil {
		return usageError{err}
	}
	engine, err := splitCommand("engine", o.engine)
	if err != nil {
		return err
	}
	schema, err := o.schema.load()
	if err != nil {
		return err
	}
	initial, err := vectorFlag(schema, "init-weights", o.initial)
	if err != nil {
		return err
	}
	cfg, err := o.match.config(global.verbose)
	if err != nil {
		return err
	}
	if !o.refereeLog {
		cfg.RefereeArgs = append(cfg.RefereeArgs, "--no-log")
	}

	var baseline []string
	if o.baselineCmd != "" {
		if baseline, err = splitCommand("baseline", o.baselineCmd); err != nil {
			return err
		}
	} else {
		bw, err := vectorFlag(schema, "baseline-weights", o.baselineWeights)
		if err != nil {
			return err
		}
		baseline = schema.Command(engine[0], engine[1:], bw)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	st, err := o.store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	runID := uuid.NewString()
	exec := newExecutor(cfg, o.match.workers(2*o.spsa.GamesPerEval))
	exec.Recorder = recorder(ctx, st, runID)

	oracle := &optimize.MatchOracle{
		Executor:     exec,
		Schema:       schema,
		Engine:       engine[0],
		EngineArgs:   engine[1:],
		Baselines:    [][]string{baseline},
		SwapSides:    !o.match.noSwapSides,
		ErrorPenalty: o.errorPenalty,
	}
	spsa, err := optimize.NewSPSA(o.spsa, schema, oracle)
	if err != nil {
		return usageError{err}
	}

	out := cmd.OutOrStdout()
	spsa.OnIteration = func(r optimize.IterationReport) {
		fmt.Fprintf(out, "Iteration %d/%d: y+ %.4f, y- %.4f, new %.4f, best %.4f\n",
			r.Iteration+1, o.spsa.Iterations, r.YPlus, r.YMinus, r.YNew, r.BestScore)
	}

	log.WithFields(log.Fields{
		"run":      runID,
		"schema":   schema.Name,
		"baseline": strings.Join(baseline, " "),
		"seed":     o.spsa.Seed,
	}).Info("starting SPSA")

	res, err := spsa.Run(ctx, initial)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Initial score: %.4f\n", res.InitialScore)
	fmt.Fprintf(out, "Best score during search: %.4f\n", res.BestScore)
	fmt.Fprintf(out, "Final score (%d games): %.4f\n", o.spsa.FinalGames, res.FinalScore)
	fmt.Fprintln(out, "Best weights:")
	printWeights(out, schema, res.Best)
	fmt.Fprintf(out, "Command: %s\n", strings.Join(schema.Command(engine[0], engine[1:], res.Best), " "))
	return nil
}
