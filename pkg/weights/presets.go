package weights

import (
	"sort"

	"github.com/pkg/errors"
)

// Linear is the evaluation vector of the linear-eval MCTS engine.
var Linear = Schema{
	Name: "linear",
	Params: []Param{
		{"W_POINT_SELF", 20.0, 0, 100},
		{"W_POINT_OPP", 20.0, 0, 100},
		{"W_GEM_SELF", 0.25, 0, 5},
		{"W_GEM_OPP", 0.25, 0, 5},
		{"W_BONUS_SELF", 1.2, 0, 5},
		{"W_BONUS_OPP", 1.2, 0, 5},
		{"W_RESERVED_SELF", 0.6, 0, 5},
		{"W_RESERVED_OPP", 0.6, 0, 5},
		{"W_NOBLE_PROGRESS_SELF", 0.9, 0, 5},
		{"W_NOBLE_PROGRESS_OPP", 0.9, 0, 5},
		{"W_AFFORDABLE_SELF", 0.8, 0, 5},
		{"W_AFFORDABLE_OPP", 0.8, 0, 5},
		{"W_WIN_BONUS", 1000, 100, 5000},
		{"W_LOSS_PENALTY", 1000, 100, 5000},
		{"W_TURN_PENALTY", 0.01, 0, 1},
		{"W_EFFICIENCY", 1.0, 0, 5},
		{"W_DIRECTIONAL_COMMITMENT", 1.0, 0, 5},
	},
}

// Heuristic is the hand-tuned heuristic vector of the determinized MCTS
// engine.
var Heuristic = Schema{
	Name: "heuristic",
	Params: []Param{
		{"W_CARD", 1.11, 0, 20},
		{"W_GEM", 0.18, 0, 20},
		{"W_JOKER", 0.59, 0, 20},
		{"W_POINT", 8.73, 0, 50},
		{"W_NOBLE", 4.83, 0, 50},
		{"W_NOBLE_PROGRESS", 0.33, 0, 20},
		{"W_RESERVED_PROGRESS", 0.39, 0, 20},
		{"W_RESERVED_EFFICIENCY", 0.52, 0, 20},
		{"W_UNRESERVED_SLOT", 0.28, 0, 20},
		{"W_BOUGHT_EFFICIENCY", 1.0, 0, 20},
	},
}

var presets = map[string]Schema{
	Linear.Name:    Linear,
	Heuristic.Name: Heuristic,
}

// Preset looks up a built-in schema by name.
func Preset(name string) (Schema, error) {
	schema, ok := presets[name]
	if !ok {
		return Schema{}, errors.Errorf("unknown schema preset %q (have %v)", name, PresetNames())
	}
	return schema, nil
}

// PresetNames lists the built-in schemas.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
