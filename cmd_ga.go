package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swgillespie/apollo/tourney/pkg/optimize"
	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

type gaOptions struct {
	match  matchOptions
	store  storeOptions
	schema schemaOptions
	ga     optimize.GAConfig

	engine       string
	initial      string
	baselines    []string
	errorPenalty float64
}

func gaCommand(global *globalOptions) *cobra.Command {
	opts := &gaOptions{ga: optimize.DefaultGAConfig()}
	cmd := &cobra.Command{
		Use:   "ga",
		Short: "Tune engine weights with a genetic search against fixed baselines",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("seed") {
				opts.ga.Seed = time.Now().UnixNano()
			}
			return opts.run(cmd, global)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.engine, "engine", "", "engine command; the weights are appended as trailing arguments")
	flags.StringVar(&opts.initial, "initial", "", "comma separated starting weights (default: schema defaults)")
	flags.StringArrayVar(&opts.baselines, "baseline", nil, "baseline opponent command, repeatable (default: engine with the starting weights)")
	flags.Float64Var(&opts.errorPenalty, "error-penalty", 0.25, "fitness subtracted per abnormal game")
	flags.IntVar(&opts.ga.PopulationSize, "population", opts.ga.PopulationSize, "population size")
	flags.IntVar(&opts.ga.Generations, "generations", opts.ga.Generations, "maximum generations")
	flags.IntVar(&opts.ga.GamesPerBaseline, "games-per-baseline", opts.ga.GamesPerBaseline, "games against each baseline per evaluation")
	flags.IntVar(&opts.ga.Patience, "patience", opts.ga.Patience, "generations without improvement before stopping")
	flags.Float64Var(&opts.ga.ImprovementThreshold, "threshold", opts.ga.ImprovementThreshold, "minimum fitness gain that counts as an improvement")
	flags.Float64Var(&opts.ga.MutationRate, "mutation-rate", opts.ga.MutationRate, "probability of mutating each weight")
	flags.Int64Var(&opts.ga.Seed, "seed", opts.ga.Seed, "random seed (default: current time)")
	opts.match.register(flags, 0)
	opts.store.register(flags)
	opts.schema.register(flags, weights.Heuristic.Name)
	cmd.MarkFlagRequired("engine")
	return cmd
}

func (o *gaOptions) run(cmd *cobra.Command, global *globalOptions) error {
	if err := o.ga.Validate(); err != nil {
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
	initial, err := vectorFlag(schema, "initial", o.initial)
	if err != nil {
		return err
	}
	cfg, err := o.match.config(global.verbose)
	if err != nil {
		return err
	}

	baselines := make([][]string, 0, len(o.baselines))
	for _, b := range o.baselines {
		argv, err := splitCommand("baseline", b)
		if err != nil {
			return err
		}
		baselines = append(baselines, argv)
	}
	if len(baselines) == 0 {
		baselines = append(baselines, schema.Command(engine[0], engine[1:], initial))
	}

	ctx, cancel := interruptContext()
	defer cancel()

	st, err := o.store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)

	runID := uuid.NewString()
	exec := newExecutor(cfg, o.match.workers(o.ga.GamesPerBaseline*len(baselines)))
	exec.Recorder = recorder(ctx, st, runID)

	oracle := &optimize.MatchOracle{
		Executor:     exec,
		Schema:       schema,
		Engine:       engine[0],
		EngineArgs:   engine[1:],
		Baselines:    baselines,
		SwapSides:    !o.match.noSwapSides,
		ErrorPenalty: o.errorPenalty,
	}
	ga, err := optimize.NewGA(o.ga, schema, oracle, initial)
	if err != nil {
		return usageError{err}
	}

	out := cmd.OutOrStdout()
	ga.OnGeneration = func(r optimize.GenerationReport) {
		marker := ""
		if r.Improved {
			marker = " *"
		}
		fmt.Fprintf(out, "Generation %d: best in generation %.4f, best %.4f, stagnation %d%s\n",
			r.Generation+1, r.BestInGeneration, r.BestFitness, r.Stagnation, marker)
	}

	log.WithFields(log.Fields{
		"run":        runID,
		"schema":     schema.Name,
		"population": o.ga.PopulationSize,
		"baselines":  len(baselines),
		"seed":       o.ga.Seed,
	}).Info("starting genetic search")

	best, err := ga.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Best fitness: %.4f\n", best.Fitness)
	fmt.Fprintln(out, "Best weights:")
	printWeights(out, schema, best.Weights)
	fmt.Fprintf(out, "Command: %s\n", strings.Join(schema.Command(engine[0], engine[1:], best.Weights), " "))
	return nil
}
