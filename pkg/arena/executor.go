// Package arena runs batches of independent games and aggregates their
// results.
package arena

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/swgillespie/apollo/tourney/pkg/match"
)

// Executor plays games on a fixed number of workers. Every game launches its
// own referee and engines; nothing is shared between games except the
// read-only match configuration.
//
// The worker count also caps how many games may be live at once across all
// concurrent calls to Run on the same Executor.
type Executor struct {
	Config  match.Config
	Workers int

	// Recorder, if set, is called with every result as soon as its game ends.
	// It may be called from several goroutines at once.
	Recorder func(match.GameResult)

	// Progress, if set, is called after every finished game of a batch.
	Progress func(done, total int)

	play  func(context.Context, match.Config, match.Game) match.GameResult
	slots *semaphore.Weighted
}

// NewExecutor builds an executor with the given worker count; values below
// one mean one.
func NewExecutor(cfg match.Config, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		Config:  cfg,
		Workers: workers,
		play:    match.Play,
		slots:   semaphore.NewWeighted(int64(workers)),
	}
}

// Run plays every game and returns the results in completion order. Callers
// that need to attribute results must use GameID. Run never stops early on a
// failed game; the returned error is only set when ctx was canceled, and even
// then every game has a result.
func (e *Executor) Run(ctx context.Context, games []match.Game) ([]match.GameResult, error) {
	if len(games) == 0 {
		return nil, nil
	}

	workers := e.Workers
	if workers > len(games) {
		workers = len(games)
	}
	log.WithFields(log.Fields{
		"games":   len(games),
		"workers": workers,
	}).Debug("beginning batch")

	jobs := make(chan match.Game)
	finished := make(chan match.GameResult)
	group, childCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(jobs)
		for _, game := range games {
			select {
			case jobs <- game:
			case <-childCtx.Done():
				// Games that were never handed out get a canceled result
				// once the workers are done.
				return nil
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		id := i
		wg.Add(1)
		group.Go(func() error {
			defer wg.Done()
			return e.worker(childCtx, id, jobs, finished)
		})
	}
	go func() {
		wg.Wait()
		close(finished)
	}()

	results := make([]match.GameResult, 0, len(games))
	for result := range finished {
		results = append(results, result)
		if e.Recorder != nil {
			e.Recorder(result)
		}
		if e.Progress != nil {
			e.Progress(len(results), len(games))
		}
	}

	if err := group.Wait(); err != nil {
		return results, err
	}

	// Games that never reached a worker because the batch was canceled.
	if len(results) < len(games) {
		seen := make(map[int]bool, len(results))
		for _, r := range results {
			seen[r.GameID] = true
		}
		for _, game := range games {
			if !seen[game.ID] {
				results = append(results, canceled(game, ctx.Err()))
			}
		}
	}
	return results, ctx.Err()
}

func (e *Executor) worker(ctx context.Context, id int, jobs <-chan match.Game, finished chan<- match.GameResult) error {
	log.WithField("id", id).Debug("worker coming online")
	for game := range jobs {
		finished <- e.playOne(ctx, game)
	}
	log.WithField("id", id).Debug("worker exiting, no remaining games")
	return nil
}

func (e *Executor) playOne(ctx context.Context, game match.Game) match.GameResult {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return canceled(game, err)
	}
	defer e.slots.Release(1)

	result := e.play(ctx, e.Config, game)
	log.WithFields(log.Fields{
		"game":   result.GameID,
		"winner": result.Winner,
		"turns":  result.Turns,
	}).Debug("game completed")
	return result
}

func canceled(game match.Game, err error) match.GameResult {
	result := match.GameResult{
		GameID: game.ID,
		Seed:   game.Seed,
		P1Cmd:  game.P1,
		P2Cmd:  game.P2,
		Winner: match.Canceled,
		Reason: "Canceled",
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
