// Package referee decodes the line protocol spoken by the referee process.
//
// Each line the referee writes is one of:
//   - a JSON state record addressed to one player ("you") that also names the
//     player to move ("active_player_id"),
//   - "WINNER: Player <n>", followed by exactly one reason line,
//   - "RESULT: ...", which is a tie when it contains "TIE".
//
// Anything else is referee chatter.
package referee

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	winnerSentinel = "WINNER:"
	resultSentinel = "RESULT:"
	tieMarker      = "TIE"
)

var winnerRegex = regexp.MustCompile(`Player\s+(\d+)`)

// Kind classifies a referee line.
type Kind int

const (
	// Chatter is a line that is neither a state nor a terminal sentinel.
	Chatter Kind = iota
	// StateLine is a state record for one viewer.
	StateLine
	// WinnerLine announces a winner; the reason follows on the next line.
	WinnerLine
	// ResultLine announces a non-winner outcome, normally a tie.
	ResultLine
)

// State is the decoded header of a state record. Raw is the line exactly as
// the referee wrote it and is what gets forwarded to the viewer.
type State struct {
	Viewer int
	Active int
	Turn   int
	Raw    string
}

// Line is one decoded referee line.
type Line struct {
	Kind Kind
	Raw  string

	// State is set for StateLine.
	State State

	// Winner is set for WinnerLine and ResultLine: 1 or 2 for a winner, 0 for
	// a tie, -1 when the line does not identify an outcome.
	Winner int
}

// Terminal reports whether the line ends the game.
func (l Line) Terminal() bool {
	return l.Kind == WinnerLine || l.Kind == ResultLine
}

// Decode classifies a single referee line.
func Decode(raw string) Line {
	text := strings.TrimRight(raw, "\r\n")

	switch {
	case strings.HasPrefix(text, winnerSentinel):
		return Line{Kind: WinnerLine, Raw: text, Winner: parseWinner(text)}
	case strings.HasPrefix(text, resultSentinel):
		winner := -1
		if strings.Contains(text, tieMarker) {
			winner = 0
		}
		return Line{Kind: ResultLine, Raw: text, Winner: winner}
	}

	state, err := DecodeState(text)
	if err != nil {
		return Line{Kind: Chatter, Raw: text}
	}
	return Line{Kind: StateLine, Raw: text, State: state}
}

func parseWinner(text string) int {
	match := winnerRegex.FindStringSubmatch(text)
	if match == nil {
		return -1
	}
	winner, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return winner
}

// DecodeState extracts the routing fields of a state record. Fields other than
// "you", "active_player_id" and "move" are not inspected.
func DecodeState(text string) (State, error) {
	payload := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return State{}, errors.Wrap(err, "state is not a JSON object")
	}

	viewer, err := playerField(payload, "you")
	if err != nil {
		return State{}, err
	}
	active, err := playerField(payload, "active_player_id")
	if err != nil {
		return State{}, err
	}

	state := State{Viewer: viewer, Active: active, Raw: text}
	if raw, ok := payload["move"]; ok {
		// The turn number is informational only.
		json.Unmarshal(raw, &state.Turn)
	}
	return state, nil
}

func playerField(payload map[string]json.RawMessage, key string) (int, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, errors.Errorf("state has no %q field", key)
	}

	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, errors.Wrapf(err, "state field %q", key)
	}
	if id != 1 && id != 2 {
		return 0, errors.Errorf("state field %q out of range: %d", key, id)
	}
	return id, nil
}
