package optimize

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

// GAConfig holds the genetic search hyperparameters.
type GAConfig struct {
	PopulationSize   int
	Generations      int
	GamesPerBaseline int

	// Patience is how many generations without a significant improvement
	// stop the search. An improvement is significant when it beats the best
	// fitness by more than ImprovementThreshold.
	Patience             int
	ImprovementThreshold float64

	MutationRate       float64
	MutationSigmaRatio float64
	MutationSigmaMin   float64

	// Crossover copies a gene from parent A with probability CrossoverA,
	// from parent B with probability CrossoverB, and averages otherwise.
	CrossoverA float64
	CrossoverB float64

	Seed int64
}

func DefaultGAConfig() GAConfig {
	return GAConfig{
		PopulationSize:       12,
		Generations:          50,
		GamesPerBaseline:     30,
		Patience:             7,
		ImprovementThreshold: 0.01,
		MutationRate:         0.2,
		MutationSigmaRatio:   0.2,
		MutationSigmaMin:     0.1,
		CrossoverA:           0.4,
		CrossoverB:           0.4,
		Seed:                 1,
	}
}

func (c GAConfig) Validate() error {
	switch {
	case c.PopulationSize < 2:
		return errors.New("population size must be at least 2")
	case c.Generations <= 0:
		return errors.New("generations must be > 0")
	case c.GamesPerBaseline <= 0:
		return errors.New("games per baseline must be > 0")
	case c.Patience <= 0:
		return errors.New("patience must be > 0")
	case c.ImprovementThreshold < 0:
		return errors.New("improvement threshold must be >= 0")
	case c.MutationRate < 0 || c.MutationRate > 1:
		return errors.New("mutation rate must be in [0, 1]")
	case c.MutationSigmaRatio < 0 || c.MutationSigmaMin < 0:
		return errors.New("mutation sigma must be >= 0")
	case c.CrossoverA < 0 || c.CrossoverB < 0 || c.CrossoverA+c.CrossoverB > 1:
		return errors.New("crossover probabilities must be >= 0 and sum to at most 1")
	}
	return nil
}

// Individual is a weight vector with its last measured fitness.
type Individual struct {
	Weights weights.Vector
	Fitness float64
}

// GenerationReport describes one finished generation.
type GenerationReport struct {
	Generation int
	// EliteRefit is the re-measured fitness of the best individual carried
	// into this generation; NaN in the first generation.
	EliteRefit       float64
	Scores           []float64
	BestInGeneration float64
	BestFitness      float64
	Improved         bool
	Stagnation       int
}

// GA is a generational genetic search with elitism.
type GA struct {
	cfg    GAConfig
	schema weights.Schema
	oracle Oracle
	rng    *rand.Rand

	population []weights.Vector
	best       *Individual
	history    []GenerationReport

	// OnGeneration, if set, is called after every generation.
	OnGeneration func(GenerationReport)
}

// NewGA seeds the population with initial, unchanged, plus forced mutations
// of it.
func NewGA(cfg GAConfig, schema weights.Schema, oracle Oracle, initial weights.Vector) (*GA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(initial) != schema.Len() {
		return nil, errors.Errorf("initial vector has %d weights, schema %s has %d", len(initial), schema.Name, schema.Len())
	}

	g := &GA{
		cfg:    cfg,
		schema: schema,
		oracle: oracle,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	g.population = make([]weights.Vector, cfg.PopulationSize)
	g.population[0] = schema.Clamp(initial)
	for i := 1; i < cfg.PopulationSize; i++ {
		g.population[i] = g.mutate(initial, true)
	}
	return g, nil
}

// Population returns the current population.
func (g *GA) Population() []weights.Vector { return g.population }

// Best returns the best individual found so far.
func (g *GA) Best() (Individual, bool) {
	if g.best == nil {
		return Individual{}, false
	}
	return Individual{Weights: g.best.Weights.Clone(), Fitness: g.best.Fitness}, true
}

// History returns the reports of every finished generation.
func (g *GA) History() []GenerationReport { return g.history }

func (g *GA) fitness(ctx context.Context, v weights.Vector) (float64, error) {
	seed := g.rng.Int63n(1 << 32)
	return g.oracle.Fitness(ctx, v, seed, g.cfg.GamesPerBaseline)
}

// Run evolves the population until the generation budget is spent or the
// search stagnates, and returns the best individual.
func (g *GA) Run(ctx context.Context) (Individual, error) {
	bestFitness := math.Inf(-1)
	stagnation := 0

	for gen := 0; gen < g.cfg.Generations; gen++ {
		report := GenerationReport{Generation: gen, EliteRefit: math.NaN()}

		// The elite's last score may have been a lucky batch. Measure it
		// again so new candidates are compared against a fresh estimate.
		if g.best != nil {
			refit, err := g.fitness(ctx, g.best.Weights)
			if err != nil {
				return Individual{}, errors.Wrap(err, "while re-evaluating elite")
			}
			log.WithFields(log.Fields{
				"generation": gen,
				"previous":   g.best.Fitness,
				"refit":      refit,
			}).Info("re-evaluated elite")
			g.best.Fitness = refit
			bestFitness = refit
			report.EliteRefit = refit
		}

		scores := make([]float64, len(g.population))
		for i, ind := range g.population {
			score, err := g.fitness(ctx, ind)
			if err != nil {
				return Individual{}, errors.Wrapf(err, "while evaluating individual %d", i)
			}
			scores[i] = score
			log.WithFields(log.Fields{
				"generation": gen,
				"individual": i,
				"fitness":    score,
			}).Info("evaluated individual")
		}

		bestIdx := 0
		for i, s := range scores {
			if s > scores[bestIdx] {
				bestIdx = i
			}
		}

		report.Scores = scores
		report.BestInGeneration = scores[bestIdx]
		if scores[bestIdx] > bestFitness+g.cfg.ImprovementThreshold {
			log.WithFields(log.Fields{
				"generation": gen,
				"from":       bestFitness,
				"to":         scores[bestIdx],
			}).Info("improvement found")
			bestFitness = scores[bestIdx]
			g.best = &Individual{Weights: g.population[bestIdx].Clone(), Fitness: bestFitness}
			stagnation = 0
			report.Improved = true
		} else {
			stagnation++
			log.WithFields(log.Fields{
				"generation": gen,
				"stagnation": stagnation,
			}).Info("no significant improvement")
		}
		report.BestFitness = bestFitness
		report.Stagnation = stagnation
		g.history = append(g.history, report)
		if g.OnGeneration != nil {
			g.OnGeneration(report)
		}

		if stagnation >= g.cfg.Patience {
			log.WithField("generation", gen).Info("convergence reached")
			break
		}
		g.population = g.nextGeneration(scores)
	}

	best, ok := g.Best()
	if !ok {
		return Individual{}, errors.New("no individual was evaluated")
	}
	return best, nil
}

// nextGeneration keeps the elite and fills the rest with mutated children of
// tournament-selected parents.
func (g *GA) nextGeneration(scores []float64) []weights.Vector {
	next := make([]weights.Vector, 0, g.cfg.PopulationSize)
	next = append(next, g.best.Weights.Clone())
	for len(next) < g.cfg.PopulationSize {
		a := g.selectParent(scores)
		b := g.selectParent(scores)
		next = append(next, g.mutate(g.crossover(a, b), false))
	}
	return next
}

// selectParent returns the fitter of two distinct, uniformly sampled
// individuals. Ties go to the second.
func (g *GA) selectParent(scores []float64) weights.Vector {
	n := len(g.population)
	i := g.rng.Intn(n)
	j := g.rng.Intn(n - 1)
	if j >= i {
		j++
	}
	if scores[i] > scores[j] {
		return g.population[i]
	}
	return g.population[j]
}

func (g *GA) crossover(a, b weights.Vector) weights.Vector {
	child := make(weights.Vector, len(a))
	for i := range a {
		mix := g.rng.Float64()
		switch {
		case mix < g.cfg.CrossoverA:
			child[i] = a[i]
		case mix < g.cfg.CrossoverA+g.cfg.CrossoverB:
			child[i] = b[i]
		default:
			child[i] = (a[i] + b[i]) / 2
		}
	}
	return child
}

// mutate perturbs each gene with Gaussian noise proportional to its size.
// Genes never go negative and always stay inside the schema bounds.
func (g *GA) mutate(v weights.Vector, force bool) weights.Vector {
	out := make(weights.Vector, len(v))
	for i, val := range v {
		if force || g.rng.Float64() < g.cfg.MutationRate {
			sigma := math.Abs(val) * g.cfg.MutationSigmaRatio
			if val == 0 {
				sigma = g.cfg.MutationSigmaMin
			}
			val = math.Max(0, val+g.rng.NormFloat64()*sigma)
		}
		out[i] = val
	}
	return g.schema.Clamp(out)
}
