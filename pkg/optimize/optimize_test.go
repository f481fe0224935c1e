package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgillespie/apollo/tourney/pkg/arena"
	"github.com/swgillespie/apollo/tourney/pkg/match"
	"github.com/swgillespie/apollo/tourney/pkg/proc"
	"github.com/swgillespie/apollo/tourney/pkg/proc/proctest"
	"github.com/swgillespie/apollo/tourney/pkg/store"
	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

// funcOracle scores candidates with a plain function and records every call.
type funcOracle struct {
	fn func(v weights.Vector) float64
	mu sync.Mutex

	calls []oracleCall
}

type oracleCall struct {
	candidate weights.Vector
	seed      int64
	games     int
}

func (o *funcOracle) Fitness(_ context.Context, v weights.Vector, seed int64, games int) (float64, error) {
	o.mu.Lock()
	o.calls = append(o.calls, oracleCall{v.Clone(), seed, games})
	o.mu.Unlock()
	return o.fn(v), nil
}

type failingOracle struct{}

func (failingOracle) Fitness(context.Context, weights.Vector, int64, int) (float64, error) {
	return 0, errors.New("referee missing")
}

func unitSchema(n int) weights.Schema {
	s := weights.Schema{Name: "unit"}
	for i := 0; i < n; i++ {
		s.Params = append(s.Params, weights.Param{Name: fmt.Sprintf("W%d", i), Default: 0.5, Lower: 0, Upper: 1})
	}
	return s
}

// closeness peaks at 1 when every weight equals target.
func closeness(target float64) func(weights.Vector) float64 {
	return func(v weights.Vector) float64 {
		d := 0.0
		for _, x := range v {
			d += (x - target) * (x - target)
		}
		return 1 - d
	}
}

func smallGA() GAConfig {
	cfg := DefaultGAConfig()
	cfg.PopulationSize = 6
	cfg.Generations = 15
	cfg.GamesPerBaseline = 2
	cfg.Patience = 4
	cfg.Seed = 7
	return cfg
}

func TestGAConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultGAConfig().Validate())

	cfg := DefaultGAConfig()
	cfg.PopulationSize = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultGAConfig()
	cfg.CrossoverA, cfg.CrossoverB = 0.7, 0.7
	assert.Error(t, cfg.Validate())
}

func TestGAInitialPopulation(t *testing.T) {
	schema := unitSchema(3)
	initial := weights.Vector{0.2, 0.4, 0.6}
	g, err := NewGA(smallGA(), schema, &funcOracle{fn: closeness(0.5)}, initial)
	require.NoError(t, err)

	pop := g.Population()
	require.Len(t, pop, 6)
	assert.Equal(t, initial, pop[0])
	for _, ind := range pop[1:] {
		assert.NotEqual(t, initial, ind)
	}
}

func TestGARejectsWrongLength(t *testing.T) {
	_, err := NewGA(smallGA(), unitSchema(3), &funcOracle{fn: closeness(0)}, weights.Vector{1})
	assert.Error(t, err)
}

func TestGAAcceptsOnlySignificantImprovements(t *testing.T) {
	cfg := smallGA()
	cfg.ImprovementThreshold = 0.001
	g, err := NewGA(cfg, unitSchema(3), &funcOracle{fn: closeness(0.8)}, weights.Vector{0.1, 0.1, 0.1})
	require.NoError(t, err)

	best, err := g.Run(context.Background())
	require.NoError(t, err)

	history := g.History()
	require.NotEmpty(t, history)
	assert.True(t, history[0].Improved)
	assert.True(t, math.IsNaN(history[0].EliteRefit))

	for i, report := range history[1:] {
		prev := history[i]
		assert.False(t, math.IsNaN(report.EliteRefit))
		if report.Improved {
			assert.Greater(t, report.BestInGeneration, report.EliteRefit+cfg.ImprovementThreshold)
			assert.Equal(t, report.BestInGeneration, report.BestFitness)
		} else {
			assert.Equal(t, prev.Stagnation+1, report.Stagnation)
		}
		// The oracle is exact, so the refit never moves the best backwards.
		assert.GreaterOrEqual(t, report.BestFitness, prev.BestFitness)
	}

	last := history[len(history)-1]
	assert.Equal(t, last.BestFitness, best.Fitness)
	assert.InDelta(t, closeness(0.8)(best.Weights), best.Fitness, 1e-12)
	assert.Greater(t, best.Fitness, closeness(0.8)(weights.Vector{0.1, 0.1, 0.1}))
}

func TestGAStopsWhenStagnant(t *testing.T) {
	cfg := smallGA()
	cfg.Generations = 50
	oracle := &funcOracle{fn: func(weights.Vector) float64 { return 0.5 }}
	g, err := NewGA(cfg, unitSchema(2), oracle, weights.Vector{0.5, 0.5})
	require.NoError(t, err)

	var reports []GenerationReport
	g.OnGeneration = func(r GenerationReport) { reports = append(reports, r) }

	best, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, cfg.Patience+1)
	assert.Equal(t, 0.5, best.Fitness)

	// Six candidates in the first generation, then the elite plus six in
	// each stagnant one.
	assert.Len(t, oracle.calls, 6+cfg.Patience*7)
	for _, c := range oracle.calls {
		assert.Equal(t, cfg.GamesPerBaseline, c.games)
	}
}

func TestGAElitism(t *testing.T) {
	g, err := NewGA(smallGA(), unitSchema(3), &funcOracle{fn: closeness(0)}, weights.Vector{0.3, 0.3, 0.3})
	require.NoError(t, err)

	elite := weights.Vector{0.9, 0.1, 0.5}
	g.best = &Individual{Weights: elite, Fitness: 1}
	next := g.nextGeneration([]float64{0, 1, 2, 3, 4, 5})

	require.Len(t, next, 6)
	assert.Equal(t, elite, next[0])
}

func TestGAMutationStaysNonNegative(t *testing.T) {
	schema := weights.Schema{Name: "wide", Params: []weights.Param{
		{Name: "A", Lower: -10, Upper: 10},
		{Name: "B", Lower: -10, Upper: 10},
	}}
	g, err := NewGA(smallGA(), schema, &funcOracle{fn: closeness(0)}, weights.Vector{0, 0.01})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		for _, x := range g.mutate(weights.Vector{0, 0.01}, true) {
			assert.GreaterOrEqual(t, x, 0.0)
		}
	}
}

func TestGAMutationRespectsBounds(t *testing.T) {
	schema := weights.Schema{Name: "narrow", Params: []weights.Param{{Name: "A", Lower: 0, Upper: 1}}}
	g, err := NewGA(smallGA(), schema, &funcOracle{fn: closeness(0)}, weights.Vector{1})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, g.mutate(weights.Vector{1}, true)[0], 1.0)
	}
}

func TestGACrossoverGenesComeFromParents(t *testing.T) {
	g, err := NewGA(smallGA(), unitSchema(3), &funcOracle{fn: closeness(0)}, weights.Vector{0, 0, 0})
	require.NoError(t, err)

	a := weights.Vector{1, 2, 3}
	b := weights.Vector{5, 6, 7}
	for i := 0; i < 100; i++ {
		child := g.crossover(a, b)
		for j, x := range child {
			assert.Contains(t, []float64{a[j], b[j], (a[j] + b[j]) / 2}, x)
		}
	}
}

func TestGASelectionUsesDistinctIndividuals(t *testing.T) {
	cfg := smallGA()
	cfg.PopulationSize = 2
	g, err := NewGA(cfg, unitSchema(1), &funcOracle{fn: closeness(0)}, weights.Vector{0.5})
	require.NoError(t, err)

	fitter := g.Population()[0]
	for i := 0; i < 50; i++ {
		assert.Equal(t, fitter, g.selectParent([]float64{1, 0}))
	}
}

func TestGAOracleErrorStopsRun(t *testing.T) {
	g, err := NewGA(smallGA(), unitSchema(2), failingOracle{}, weights.Vector{0.5, 0.5})
	require.NoError(t, err)

	_, err = g.Run(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "referee missing")
}

func TestSPSAGains(t *testing.T) {
	cfg := DefaultSPSAConfig()
	ak, ck := cfg.Gains(0)
	assert.InDelta(t, 0.08/math.Pow(11, 0.602), ak, 1e-12)
	assert.InDelta(t, 0.10, ck, 1e-12)

	ak5, ck5 := cfg.Gains(5)
	assert.Less(t, ak5, ak)
	assert.Less(t, ck5, ck)
}

func TestGradient(t *testing.T) {
	g := Gradient(0.7, 0.3, 0.1, []float64{1, -1, 1})
	assert.InDeltaSlice(t, []float64{2, -2, 2}, g, 1e-12)
}

func TestSPSASingleIteration(t *testing.T) {
	cfg := DefaultSPSAConfig()
	cfg.Iterations = 1
	cfg.GamesPerEval = 4
	cfg.FinalGames = 16
	cfg.Seed = 3

	// The plus point moves W0 up, the minus point moves it down.
	oracle := &funcOracle{fn: func(v weights.Vector) float64 {
		switch {
		case math.Abs(v[0]-0.5) < 1e-9:
			return 0.5
		case math.Abs(v[0]-0.6) < 1e-9:
			return 0.7
		case math.Abs(v[0]-0.4) < 1e-9:
			return 0.3
		default:
			return 0.6
		}
	}}

	s, err := NewSPSA(cfg, unitSchema(2), oracle)
	require.NoError(t, err)
	s.perturb = func(*rand.Rand, int) []float64 { return []float64{1, -1} }

	var report IterationReport
	s.OnIteration = func(r IterationReport) { report = r }

	res, err := s.Run(context.Background(), weights.Vector{0.5, 0.5})
	require.NoError(t, err)

	ak, ck := cfg.Gains(0)
	assert.InDelta(t, 0.1, ck, 1e-12)
	assert.Equal(t, 0.7, report.YPlus)
	assert.Equal(t, 0.3, report.YMinus)
	assert.Equal(t, 0.6, report.YNew)
	assert.InDeltaSlice(t, []float64{2, -2}, report.Gradient, 1e-9)
	assert.InDeltaSlice(t, []float64{0.5 + 2*ak, 0.5 - 2*ak}, []float64(report.Point), 1e-9)

	assert.Equal(t, 0.5, res.InitialScore)
	assert.Equal(t, 0.7, res.BestScore)
	assert.InDeltaSlice(t, []float64{0.6, 0.4}, []float64(res.Best), 1e-9)
	assert.Equal(t, 0.7, res.FinalScore)

	require.Len(t, oracle.calls, 5)
	seeds := make(map[int64]int)
	for _, c := range oracle.calls {
		seeds[c.seed]++
	}
	assert.Equal(t, 1, seeds[3000])
	assert.Equal(t, 2, seeds[300000])
	assert.Equal(t, 1, seeds[301000])
	assert.Equal(t, 1, seeds[3*999999])

	final := oracle.calls[len(oracle.calls)-1]
	assert.Equal(t, 16, final.games)
}

func TestSPSAClimbs(t *testing.T) {
	cfg := DefaultSPSAConfig()
	cfg.Iterations = 40
	cfg.Gain = 0.2

	fn := closeness(0.9)
	s, err := NewSPSA(cfg, unitSchema(3), &funcOracle{fn: fn})
	require.NoError(t, err)

	start := weights.Vector{0.2, 0.3, 0.4}
	res, err := s.Run(context.Background(), start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.BestScore, res.InitialScore)
	assert.Greater(t, res.FinalScore, fn(start))
	for _, x := range res.Best {
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 1.0)
	}
}

func TestSPSAOracleError(t *testing.T) {
	s, err := NewSPSA(DefaultSPSAConfig(), unitSchema(2), failingOracle{})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), weights.Vector{0.5, 0.5})
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	results := []match.GameResult{
		{GameID: 0, Winner: 1},
		{GameID: 1, Winner: 1},
		{GameID: 2, Winner: match.Tie},
		{GameID: 3, Winner: match.EngineDisconnected},
	}
	sides := map[int]int{0: 1, 1: 2, 2: 1, 3: 2}

	assert.InDelta(t, (1+0.5-0.25)/4, Score(results, sides, 0.25), 1e-12)
	assert.InDelta(t, 1.5/4, Score(results, sides, 0), 1e-12)
	assert.Equal(t, 0.0, Score(nil, sides, 0.25))
}

// firstMoverLauncher scripts referees in which player 1 always wins after
// one move, except that seeds ending in 3 lose the referee at once.
func firstMoverLauncher(argv []string, source string) (proc.Transport, error) {
	if source != "referee" {
		return proctest.New("move"), nil
	}
	var seed int
	fmt.Sscan(argv[len(argv)-1], &seed)
	if seed%10 == 3 {
		return proctest.New(), nil
	}
	return proctest.New(
		`{"you":1,"active_player_id":1,"move":0}`,
		`{"you":2,"active_player_id":1,"move":0}`,
		"WINNER: Player 1",
		"REASON: first mover",
	), nil
}

func TestMatchOracle(t *testing.T) {
	exec := arena.NewExecutor(match.Config{Referee: "./referee", Launcher: firstMoverLauncher}, 2)
	oracle := &MatchOracle{
		Executor:     exec,
		Schema:       unitSchema(1),
		Engine:       "./cand",
		Baselines:    [][]string{{"./base"}},
		SwapSides:    true,
		ErrorPenalty: 0.25,
	}

	var played []match.GameResult
	var mu sync.Mutex
	exec.Recorder = func(r match.GameResult) {
		mu.Lock()
		defer mu.Unlock()
		played = append(played, r)
	}

	// Seeds 0..3: the candidate wins games 0 and 2, loses game 1 and game 3
	// is aborted.
	score, err := oracle.Fitness(context.Background(), weights.Vector{0.5}, 0, 4)
	require.NoError(t, err)
	assert.InDelta(t, (2-0.25)/4, score, 1e-12)

	require.Len(t, played, 4)
	for _, r := range played {
		if r.GameID%2 == 0 {
			assert.Equal(t, []string{"./cand", "0.5"}, r.P1Cmd)
		} else {
			assert.Equal(t, []string{"./cand", "0.5"}, r.P2Cmd)
		}
	}
}

func TestMatchOracleIdenticalBaseline(t *testing.T) {
	exec := arena.NewExecutor(match.Config{Referee: "./referee", Launcher: firstMoverLauncher}, 2)
	oracle := &MatchOracle{
		Executor:  exec,
		Schema:    unitSchema(1),
		Engine:    "./cand",
		Baselines: [][]string{{"./cand", "0.5"}},
		SwapSides: true,
	}

	// Against itself the candidate wins exactly the games it moves first in.
	score, err := oracle.Fitness(context.Background(), weights.Vector{0.5}, 10, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-12)
}

func TestMatchOracleNeedsBaseline(t *testing.T) {
	oracle := &MatchOracle{Executor: arena.NewExecutor(match.Config{}, 1), Schema: unitSchema(1)}
	_, err := oracle.Fitness(context.Background(), weights.Vector{0.5}, 0, 4)
	assert.Error(t, err)
}

func TestMatchOracleGivesEveryEvaluationItsOwnIDs(t *testing.T) {
	exec := arena.NewExecutor(match.Config{Referee: "./referee", Launcher: firstMoverLauncher}, 2)
	oracle := &MatchOracle{
		Executor:  exec,
		Schema:    unitSchema(1),
		Engine:    "./cand",
		Baselines: [][]string{{"./base"}, {"./other"}},
		SwapSides: true,
	}

	var played []match.GameResult
	var mu sync.Mutex
	exec.Recorder = func(r match.GameResult) {
		mu.Lock()
		defer mu.Unlock()
		played = append(played, r)
	}

	for i := 0; i < 2; i++ {
		_, err := oracle.Fitness(context.Background(), weights.Vector{0.5}, 100, 3)
		require.NoError(t, err)
	}

	require.Len(t, played, 12)
	ids := make(map[int]bool)
	seeds := make(map[int64]int)
	for _, r := range played {
		ids[r.GameID] = true
		seeds[r.Seed]++
	}
	assert.Len(t, ids, 12)
	// Same seed, same deals: both evaluations replay seeds 100..105.
	assert.Len(t, seeds, 6)
	for seed, n := range seeds {
		assert.True(t, seed >= 100 && seed < 106)
		assert.Equal(t, 2, n)
	}
}

func TestSPSARecordsEveryGame(t *testing.T) {
	ctx := context.Background()
	results := store.NewMemoryStore()
	require.NoError(t, results.Init(ctx))

	exec := arena.NewExecutor(match.Config{Referee: "./referee", Launcher: firstMoverLauncher}, 3)
	var played int64
	var mu sync.Mutex
	exec.Recorder = func(r match.GameResult) {
		mu.Lock()
		defer mu.Unlock()
		played++
		assert.NoError(t, results.SaveResult(ctx, "run", r))
	}

	cfg := DefaultSPSAConfig()
	cfg.Iterations = 1
	cfg.GamesPerEval = 4
	cfg.FinalGames = 4
	s, err := NewSPSA(cfg, unitSchema(2), &MatchOracle{
		Executor:  exec,
		Schema:    unitSchema(2),
		Engine:    "./cand",
		Baselines: [][]string{{"./base"}},
		SwapSides: true,
	})
	require.NoError(t, err)

	_, err = s.Run(ctx, weights.Vector{0.5, 0.5})
	require.NoError(t, err)

	// Initial, plus, minus, new point and final evaluation.
	stored, ok, err := results.Results(ctx, "run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), played)
	assert.Len(t, stored, 20)
}
