package arena

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/swgillespie/apollo/tourney/pkg/match"
)

// Summary aggregates a batch of results between two commands. Every result
// falls into exactly one of Engine1Wins, Engine2Wins, OtherWins, Ties and
// Errors.
type Summary struct {
	Games       int
	Engine1Wins int
	Engine2Wins int
	// OtherWins counts games won by a command that is neither engine, as
	// happens in an optimizer run where every candidate is a new command.
	OtherWins    int
	Ties         int
	Errors       int
	InvalidMoves int
	TotalTurns   int
}

// Summarize attributes each decided game to the command that played the
// winning side. When both commands are identical the winner is credited by
// side: side 1 wins go to engine 1. Wins by any other command are counted in
// OtherWins, never credited to either engine.
func Summarize(results []match.GameResult, engine1, engine2 []string) Summary {
	e1 := match.CommandKey(engine1)
	e2 := match.CommandKey(engine2)
	mirror := e1 == e2

	var s Summary
	for _, r := range results {
		s.Games++
		s.TotalTurns += r.Turns
		if r.InvalidMove() {
			s.InvalidMoves++
		}

		switch {
		case r.Errored():
			s.Errors++
		case r.Tied():
			s.Ties++
		default:
			winnerCmd := r.P1Cmd
			if r.Winner == 2 {
				winnerCmd = r.P2Cmd
			}
			if mirror {
				if r.Winner == 1 {
					s.Engine1Wins++
				} else {
					s.Engine2Wins++
				}
				continue
			}
			switch match.CommandKey(winnerCmd) {
			case e1:
				s.Engine1Wins++
			case e2:
				s.Engine2Wins++
			default:
				s.OtherWins++
			}
		}
	}
	return s
}

// AverageTurns is the mean turn count over every game, aborted ones included.
func (s Summary) AverageTurns() float64 {
	if s.Games == 0 {
		return 0
	}
	return float64(s.TotalTurns) / float64(s.Games)
}

func (s Summary) percent(n int) float64 {
	if s.Games == 0 {
		return 0
	}
	return float64(n) / float64(s.Games) * 100
}

// Write prints the summary table.
func (s Summary) Write(w io.Writer, name1, name2 string) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Games: %s\n", humanize.Comma(int64(s.Games)))
	fmt.Fprintf(w, "%s wins: %d (%.1f%%)\n", name1, s.Engine1Wins, s.percent(s.Engine1Wins))
	fmt.Fprintf(w, "%s wins: %d (%.1f%%)\n", name2, s.Engine2Wins, s.percent(s.Engine2Wins))
	if s.OtherWins > 0 {
		fmt.Fprintf(w, "Other commands wins: %d (%.1f%%)\n", s.OtherWins, s.percent(s.OtherWins))
	}
	fmt.Fprintf(w, "Ties: %d (%.1f%%)\n", s.Ties, s.percent(s.Ties))
	fmt.Fprintf(w, "Invalid moves: %d\n", s.InvalidMoves)
	fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	fmt.Fprintf(w, "Avg turns/game: %.1f\n", s.AverageTurns())
	fmt.Fprintln(w, rule)
}
