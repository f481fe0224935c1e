package arena

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swgillespie/apollo/tourney/pkg/match"
	"github.com/swgillespie/apollo/tourney/pkg/proc"
	"github.com/swgillespie/apollo/tourney/pkg/proc/proctest"
)

var (
	engineA = []string{"./engine", "1.5", "2"}
	engineB = []string{"./baseline"}
)

func TestScheduleSwapsOddGames(t *testing.T) {
	games := Pairing{Engine1: engineA, Engine2: engineB, Games: 4, BaseSeed: 100, SwapSides: true}.Schedule()

	require.Len(t, games, 4)
	for i, g := range games {
		assert.Equal(t, i, g.ID)
		assert.Equal(t, int64(100+i), g.Seed)
	}
	assert.Equal(t, engineA, games[0].P1)
	assert.Equal(t, engineB, games[1].P1)
	assert.Equal(t, engineA, games[1].P2)
	assert.Equal(t, engineA, games[2].P1)
}

func TestScheduleWithoutSwap(t *testing.T) {
	p := Pairing{Engine1: engineA, Engine2: engineB, Games: 3, BaseSeed: 10, FirstID: 30}
	games := p.Schedule()

	for i, g := range games {
		assert.Equal(t, 30+i, g.ID)
		assert.Equal(t, int64(10+i), g.Seed)
		assert.Equal(t, engineA, g.P1)
		assert.Equal(t, 1, p.Engine1Side(i))
	}
}

func result(id, winner, turns int, p1, p2 []string, reason string) match.GameResult {
	return match.GameResult{GameID: id, P1Cmd: p1, P2Cmd: p2, Winner: winner, Turns: turns, Reason: reason}
}

func TestSummarizeScenario(t *testing.T) {
	// Ten games: six won by A (from both sides), two ties, two errors.
	results := []match.GameResult{
		result(0, 1, 30, engineA, engineB, "REASON: points"),
		result(1, 2, 32, engineB, engineA, "REASON: points"),
		result(2, 1, 28, engineA, engineB, "REASON: points"),
		result(3, 2, 35, engineB, engineA, "REASON: Player 1 made invalid move (x)"),
		result(4, 1, 31, engineA, engineB, "REASON: points"),
		result(5, 2, 29, engineB, engineA, "REASON: points"),
		result(6, 0, 60, engineA, engineB, "RESULT: TIE"),
		result(7, 0, 60, engineB, engineA, "RESULT: TIE"),
		result(8, match.EngineDisconnected, 5, engineA, engineB, "Engine P1 disconnected"),
		result(9, match.RefereeDisconnected, 0, engineB, engineA, "Referee disconnected"),
	}

	s := Summarize(results, engineA, engineB)

	assert.Equal(t, 10, s.Games)
	assert.Equal(t, 6, s.Engine1Wins)
	assert.Equal(t, 0, s.Engine2Wins)
	assert.Equal(t, 2, s.Ties)
	assert.Equal(t, 2, s.Errors)
	assert.Equal(t, 1, s.InvalidMoves)
	assert.Equal(t, s.Games, s.Engine1Wins+s.Engine2Wins+s.OtherWins+s.Ties+s.Errors)
	assert.InDelta(t, 310.0/10.0, s.AverageTurns(), 1e-9)
}

func TestSummarizeAttributesBySide(t *testing.T) {
	results := []match.GameResult{
		result(0, 2, 10, engineA, engineB, ""),
		result(1, 1, 10, engineB, engineA, ""),
		result(2, 7, 10, engineA, engineB, ""),
	}

	s := Summarize(results, engineA, engineB)

	assert.Equal(t, 0, s.Engine1Wins)
	assert.Equal(t, 2, s.Engine2Wins)
	assert.Equal(t, 1, s.Errors)
}

func TestSummarizeIdenticalCommands(t *testing.T) {
	results := []match.GameResult{
		result(0, 1, 10, engineA, engineA, ""),
		result(1, 2, 10, engineA, engineA, ""),
	}

	s := Summarize(results, engineA, engineA)

	assert.Equal(t, 1, s.Engine1Wins)
	assert.Equal(t, 1, s.Engine2Wins)
	assert.Equal(t, s.Games, s.Engine1Wins+s.Engine2Wins+s.OtherWins+s.Ties+s.Errors)
}

func TestSummarizeCountsUnknownWinnersSeparately(t *testing.T) {
	candidate := []string{"./engine", "3", "4"}
	results := []match.GameResult{
		result(0, 1, 10, engineA, engineB, ""),
		result(1, 1, 10, candidate, engineB, ""),
		result(2, 2, 10, engineB, candidate, ""),
		result(3, 1, 10, engineB, candidate, ""),
	}

	s := Summarize(results, engineA, engineB)

	assert.Equal(t, 1, s.Engine1Wins)
	assert.Equal(t, 1, s.Engine2Wins)
	assert.Equal(t, 2, s.OtherWins)
	assert.Equal(t, s.Games, s.Engine1Wins+s.Engine2Wins+s.OtherWins+s.Ties+s.Errors)

	var buf bytes.Buffer
	s.Write(&buf, "A", "B")
	assert.Contains(t, buf.String(), "Other commands wins: 2 (50.0%)")
}

func TestSummaryWrite(t *testing.T) {
	var buf bytes.Buffer
	Summary{Games: 1200, Engine1Wins: 600, Engine2Wins: 300, Ties: 300, TotalTurns: 1200 * 40}.Write(&buf, "Engine1", "Engine2")

	out := buf.String()
	assert.Contains(t, out, "Games: 1,200")
	assert.Contains(t, out, "Engine1 wins: 600 (50.0%)")
	assert.Contains(t, out, "Ties: 300 (25.0%)")
	assert.Contains(t, out, "Avg turns/game: 40.0")
	assert.NotContains(t, out, "Other commands")
}

func TestEmptySummary(t *testing.T) {
	s := Summarize(nil, engineA, engineB)
	assert.Equal(t, 0.0, s.AverageTurns())
}

// fakePlay records how many games run at once.
type fakePlay struct {
	live    int32
	maxLive int32
	delay   time.Duration
}

func (f *fakePlay) play(ctx context.Context, _ match.Config, g match.Game) match.GameResult {
	n := atomic.AddInt32(&f.live, 1)
	for {
		max := atomic.LoadInt32(&f.maxLive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxLive, max, n) {
			break
		}
	}
	time.Sleep(f.delay)
	atomic.AddInt32(&f.live, -1)
	return match.GameResult{GameID: g.ID, Seed: g.Seed, P1Cmd: g.P1, P2Cmd: g.P2, Winner: 1 + g.ID%2, Turns: g.ID}
}

func TestExecutorRunsEveryGame(t *testing.T) {
	fake := &fakePlay{delay: 5 * time.Millisecond}
	e := NewExecutor(match.Config{}, 4)
	e.play = fake.play

	var mu sync.Mutex
	var recorded []int
	var progress []int
	e.Recorder = func(r match.GameResult) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, r.GameID)
	}
	e.Progress = func(done, total int) {
		assert.Equal(t, 20, total)
		progress = append(progress, done)
	}

	games := Pairing{Engine1: engineA, Engine2: engineB, Games: 20, BaseSeed: 5, SwapSides: true}.Schedule()
	results, err := e.Run(context.Background(), games)
	require.NoError(t, err)
	require.Len(t, results, 20)

	ids := make(map[int]bool)
	for _, r := range results {
		ids[r.GameID] = true
		assert.Equal(t, int64(5+r.GameID), r.Seed)
	}
	assert.Len(t, ids, 20)
	assert.Len(t, recorded, 20)
	assert.Equal(t, 20, progress[len(progress)-1])
	assert.True(t, atomic.LoadInt32(&fake.maxLive) <= 4)
}

func TestExecutorSharesWorkerCapAcrossBatches(t *testing.T) {
	fake := &fakePlay{delay: 5 * time.Millisecond}
	e := NewExecutor(match.Config{}, 2)
	e.play = fake.play

	var wg sync.WaitGroup
	for b := 0; b < 3; b++ {
		first := b * 10
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := e.Run(context.Background(), Pairing{Engine1: engineA, Engine2: engineB, Games: 6, FirstID: first}.Schedule())
			assert.NoError(t, err)
			assert.Len(t, results, 6)
		}()
	}
	wg.Wait()

	assert.True(t, atomic.LoadInt32(&fake.maxLive) <= 2)
}

func TestExecutorCanceled(t *testing.T) {
	fake := &fakePlay{}
	e := NewExecutor(match.Config{}, 3)
	e.play = fake.play

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	games := Pairing{Engine1: engineA, Engine2: engineB, Games: 8}.Schedule()
	results, err := e.Run(ctx, games)

	assert.Equal(t, context.Canceled, err)
	assert.Len(t, results, 8)
	ids := make(map[int]bool)
	for _, r := range results {
		ids[r.GameID] = true
	}
	assert.Len(t, ids, 8)
}

func TestExecutorEmptyBatch(t *testing.T) {
	results, err := NewExecutor(match.Config{}, 2).Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

// scriptedLauncher gives every game a fresh referee that ties after one
// turn, or disconnects when the seed is a multiple of five.
func scriptedLauncher(argv []string, source string) (proc.Transport, error) {
	switch source {
	case "referee":
		seed := argv[len(argv)-1]
		var n int
		fmt.Sscan(seed, &n)
		if n%5 == 0 {
			return proctest.New(), nil
		}
		return proctest.New(
			`{"you":1,"active_player_id":1,"move":0}`,
			`{"you":2,"active_player_id":1,"move":0}`,
			"RESULT: TIE",
		), nil
	case "p1":
		return proctest.New("move"), nil
	default:
		return proctest.New(), nil
	}
}

func TestExecutorDrivesMatches(t *testing.T) {
	e := NewExecutor(match.Config{Referee: "./referee", Launcher: scriptedLauncher}, 3)
	games := Pairing{Engine1: engineA, Engine2: engineB, Games: 10, BaseSeed: 1, SwapSides: true}.Schedule()

	results, err := e.Run(context.Background(), games)
	require.NoError(t, err)

	s := Summarize(results, engineA, engineB)
	assert.Equal(t, 10, s.Games)
	assert.Equal(t, 8, s.Ties)
	assert.Equal(t, 2, s.Errors)
	assert.Equal(t, 8, s.TotalTurns)
	assert.Equal(t, s.Games, s.Engine1Wins+s.Engine2Wins+s.OtherWins+s.Ties+s.Errors)
}
