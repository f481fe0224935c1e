package optimize

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

// SPSAConfig holds the gain schedule and evaluation budget. The step size at
// iteration k is Gain/(k+1+Stability)^Alpha and the perturbation size is
// Perturbation/(k+1)^Gamma.
type SPSAConfig struct {
	Iterations   int
	GamesPerEval int
	FinalGames   int

	Gain         float64
	Perturbation float64
	Stability    float64
	Alpha        float64
	Gamma        float64

	Seed int64
}

func DefaultSPSAConfig() SPSAConfig {
	return SPSAConfig{
		Iterations:   30,
		GamesPerEval: 24,
		FinalGames:   96,
		Gain:         0.08,
		Perturbation: 0.10,
		Stability:    10,
		Alpha:        0.602,
		Gamma:        0.101,
		Seed:         42,
	}
}

func (c SPSAConfig) Validate() error {
	switch {
	case c.Iterations <= 0:
		return errors.New("iterations must be > 0")
	case c.GamesPerEval <= 0:
		return errors.New("games per evaluation must be > 0")
	case c.FinalGames <= 0:
		return errors.New("final games must be > 0")
	case c.Gain <= 0 || c.Perturbation <= 0:
		return errors.New("gain and perturbation must be > 0")
	case c.Stability < 0:
		return errors.New("stability must be >= 0")
	}
	return nil
}

// Gains returns the step size and perturbation size for iteration k.
func (c SPSAConfig) Gains(k int) (ak, ck float64) {
	ak = c.Gain / math.Pow(float64(k)+1+c.Stability, c.Alpha)
	ck = c.Perturbation / math.Pow(float64(k)+1, c.Gamma)
	return ak, ck
}

// Gradient is the simultaneous-perturbation gradient estimate.
func Gradient(yPlus, yMinus, ck float64, delta []float64) []float64 {
	g := make([]float64, len(delta))
	for i, d := range delta {
		g[i] = (yPlus - yMinus) / (2 * ck * d)
	}
	return g
}

// IterationReport describes one finished iteration.
type IterationReport struct {
	Iteration int
	Ak, Ck    float64
	Delta     []float64
	Gradient  []float64
	YPlus     float64
	YMinus    float64
	YNew      float64
	// Point is the new iterate in weight space.
	Point     weights.Vector
	BestScore float64
}

// SPSAResult is the outcome of a run. FinalScore is a fresh, larger
// evaluation of Best and is what should be reported.
type SPSAResult struct {
	Best         weights.Vector
	BestScore    float64
	InitialScore float64
	FinalScore   float64
}

// SPSA climbs fitness in the schema's unit cube.
type SPSA struct {
	cfg    SPSAConfig
	schema weights.Schema
	oracle Oracle
	rng    *rand.Rand

	// perturb draws the Rademacher direction for each iteration.
	perturb func(rng *rand.Rand, n int) []float64

	// OnIteration, if set, is called after every iteration.
	OnIteration func(IterationReport)
}

func NewSPSA(cfg SPSAConfig, schema weights.Schema, oracle Oracle) (*SPSA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &SPSA{
		cfg:     cfg,
		schema:  schema,
		oracle:  oracle,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		perturb: rademacher,
	}, nil
}

func rademacher(rng *rand.Rand, n int) []float64 {
	delta := make([]float64, n)
	for i := range delta {
		if rng.Float64() < 0.5 {
			delta[i] = 1
		} else {
			delta[i] = -1
		}
	}
	return delta
}

func (s *SPSA) evaluate(ctx context.Context, u []float64, seed int64, games int) (float64, error) {
	return s.oracle.Fitness(ctx, s.schema.FromUnit(u), seed, games)
}

// Run optimizes starting from initial and returns the best point seen.
func (s *SPSA) Run(ctx context.Context, initial weights.Vector) (SPSAResult, error) {
	if len(initial) != s.schema.Len() {
		return SPSAResult{}, errors.Errorf("initial vector has %d weights, schema %s has %d", len(initial), s.schema.Name, s.schema.Len())
	}

	seed := s.cfg.Seed
	u := s.schema.ToUnit(initial)

	initialScore, err := s.evaluate(ctx, u, seed*1000, s.cfg.GamesPerEval)
	if err != nil {
		return SPSAResult{}, errors.Wrap(err, "while evaluating initial weights")
	}
	log.WithField("score", initialScore).Info("initial score")

	bestU := append([]float64(nil), u...)
	bestScore := initialScore

	for k := 0; k < s.cfg.Iterations; k++ {
		ak, ck := s.cfg.Gains(k)
		delta := s.perturb(s.rng, len(u))

		plus := make([]float64, len(u))
		minus := make([]float64, len(u))
		for i := range u {
			plus[i] = clampUnit(u[i] + ck*delta[i])
			minus[i] = clampUnit(u[i] - ck*delta[i])
		}

		// Both sides of the perturbation share a seed so they face the same
		// deals, and they run concurrently.
		iterSeed := seed*100000 + int64(k)*2000
		var yPlus, yMinus float64
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			var err error
			yPlus, err = s.evaluate(groupCtx, plus, iterSeed, s.cfg.GamesPerEval)
			return err
		})
		group.Go(func() error {
			var err error
			yMinus, err = s.evaluate(groupCtx, minus, iterSeed, s.cfg.GamesPerEval)
			return err
		})
		if err := group.Wait(); err != nil {
			return SPSAResult{}, errors.Wrapf(err, "while evaluating iteration %d", k)
		}

		grad := Gradient(yPlus, yMinus, ck, delta)
		for i := range u {
			u[i] = clampUnit(u[i] + ak*grad[i])
		}

		yNew, err := s.evaluate(ctx, u, iterSeed+1000, s.cfg.GamesPerEval)
		if err != nil {
			return SPSAResult{}, errors.Wrapf(err, "while evaluating iteration %d", k)
		}

		for _, cand := range []struct {
			score float64
			point []float64
		}{{yPlus, plus}, {yMinus, minus}, {yNew, u}} {
			if cand.score > bestScore {
				bestScore = cand.score
				bestU = append(bestU[:0], cand.point...)
			}
		}

		log.WithFields(log.Fields{
			"iteration": k + 1,
			"y_plus":    yPlus,
			"y_minus":   yMinus,
			"y_new":     yNew,
			"best":      bestScore,
		}).Info("iteration finished")
		if s.OnIteration != nil {
			s.OnIteration(IterationReport{
				Iteration: k,
				Ak:        ak,
				Ck:        ck,
				Delta:     delta,
				Gradient:  grad,
				YPlus:     yPlus,
				YMinus:    yMinus,
				YNew:      yNew,
				Point:     s.schema.FromUnit(u),
				BestScore: bestScore,
			})
		}
	}

	best := s.schema.FromUnit(bestU)
	finalScore, err := s.oracle.Fitness(ctx, best, seed*999999, s.cfg.FinalGames)
	if err != nil {
		return SPSAResult{}, errors.Wrap(err, "while running final evaluation")
	}
	log.WithField("score", finalScore).Info("final score")

	return SPSAResult{
		Best:         best,
		BestScore:    bestScore,
		InitialScore: initialScore,
		FinalScore:   finalScore,
	}, nil
}

func clampUnit(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
