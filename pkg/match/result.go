package match

import (
	"strings"
)

// Winner codes. Positive values name the winning side; everything below Tie
// is an abnormal end of the match.
const (
	Tie                 = 0
	AbnormalResult      = -1
	RefereeDisconnected = -2
	NoPlayableState     = -3
	EngineDisconnected  = -4
	Failure             = -5
	TimedOut            = -6
	Canceled            = -7
)

const invalidMoveMarker = "invalid move"

// GameResult is the outcome of one match. It is produced exactly once per
// match, whether the match completed or was aborted.
type GameResult struct {
	GameID int      `json:"game_id"`
	Seed   int64    `json:"seed"`
	P1Cmd  []string `json:"p1_cmd"`
	P2Cmd  []string `json:"p2_cmd"`
	Winner int      `json:"winner"`
	Reason string   `json:"reason"`
	Turns  int      `json:"turns"`
	Error  string   `json:"error,omitempty"`
}

// Won reports whether a side won the match.
func (r GameResult) Won() bool { return r.Winner == 1 || r.Winner == 2 }

// Tied reports whether the match was a tie.
func (r GameResult) Tied() bool { return r.Winner == Tie }

// Errored reports whether the match ended abnormally. Winner values above 2
// are not produced by the referee protocol and also count as errors.
func (r GameResult) Errored() bool { return r.Winner < 0 || r.Winner > 2 }

// InvalidMove reports whether the referee ended the game over an invalid move.
func (r GameResult) InvalidMove() bool {
	return strings.Contains(strings.ToLower(r.Reason), invalidMoveMarker)
}

// CommandKey is the identity of a command line used to attribute wins.
func CommandKey(argv []string) string {
	return strings.Join(argv, " ")
}

// Describe renders a winner code for humans.
func Describe(winner int) string {
	switch winner {
	case 1:
		return "player 1"
	case 2:
		return "player 2"
	case Tie:
		return "tie"
	case AbnormalResult:
		return "abnormal result"
	case RefereeDisconnected:
		return "referee disconnected"
	case NoPlayableState:
		return "no playable state"
	case EngineDisconnected:
		return "engine disconnected"
	case Failure:
		return "failure"
	case TimedOut:
		return "timed out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}
