// Package optimize tunes an engine's weight vector by playing it against
// fixed baselines. Every fitness evaluation is a fresh batch of games, so
// fitness is noisy and both optimizers are written to tolerate that.
package optimize

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/swgillespie/apollo/tourney/pkg/arena"
	"github.com/swgillespie/apollo/tourney/pkg/match"
	"github.com/swgillespie/apollo/tourney/pkg/weights"
)

// Oracle scores a candidate vector. games is the number of games to play
// against each baseline; seed makes the batch reproducible.
type Oracle interface {
	Fitness(ctx context.Context, candidate weights.Vector, seed int64, games int) (float64, error)
}

// MatchOracle plays the candidate engine against every baseline through an
// executor.
type MatchOracle struct {
	Executor   *arena.Executor
	Schema     weights.Schema
	Engine     string
	EngineArgs []string
	Baselines  [][]string

	// SwapSides alternates which side the candidate plays.
	SwapSides bool

	// ErrorPenalty is subtracted for every game that ended abnormally, so
	// that weights which crash the engine are selected against.
	ErrorPenalty float64

	// nextID hands every evaluation its own range of game ids, so results
	// and trace files of one run never collide even when evaluations
	// overlap.
	nextID int64
}

func (o *MatchOracle) Fitness(ctx context.Context, candidate weights.Vector, seed int64, games int) (float64, error) {
	if len(o.Baselines) == 0 {
		return 0, errors.New("no baseline opponents")
	}

	cmd := o.Schema.Command(o.Engine, o.EngineArgs, candidate)
	total := int64(games * len(o.Baselines))
	first := int(atomic.AddInt64(&o.nextID, total) - total)

	sides := make(map[int]int)
	var batch []match.Game
	for b, baseline := range o.Baselines {
		pairing := arena.Pairing{
			Engine1:   cmd,
			Engine2:   baseline,
			Games:     games,
			BaseSeed:  seed + int64(b*games),
			FirstID:   first + b*games,
			SwapSides: o.SwapSides,
		}
		for i, game := range pairing.Schedule() {
			sides[game.ID] = pairing.Engine1Side(i)
			batch = append(batch, game)
		}
	}

	results, err := o.Executor.Run(ctx, batch)
	if err != nil {
		return 0, err
	}

	score := Score(results, sides, o.ErrorPenalty)
	log.WithFields(log.Fields{
		"games": len(results),
		"first": first,
		"seed":  seed,
		"score": score,
	}).Debug("evaluated candidate")
	return score, nil
}

// Score is the candidate's mean result over a batch: 1 for a win, 0.5 for a
// tie and -penalty for an abnormal game. sides maps each game id to the side
// the candidate played.
func Score(results []match.GameResult, sides map[int]int, penalty float64) float64 {
	if len(results) == 0 {
		return 0
	}

	total := 0.0
	for _, r := range results {
		side, ok := sides[r.GameID]
		if !ok {
			continue
		}
		switch {
		case r.Winner == side:
			total += 1
		case r.Tied():
			total += 0.5
		case r.Errored():
			total -= penalty
		}
	}
	return total / float64(len(results))
}
