// Package weights describes the tunable parameter vector of an engine and
// how it is rendered onto the engine's command line.
package weights

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Param is one named weight with its valid range.
type Param struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
}

// Schema is the ordered list of weights an engine accepts as trailing
// positional arguments.
type Schema struct {
	Name   string  `json:"name"`
	Params []Param `json:"params"`
}

// Vector is a weight vector laid out in schema order.
type Vector []float64

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

// Len is the number of weights in the schema.
func (s Schema) Len() int { return len(s.Params) }

// Names returns the weight names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.Name
	}
	return names
}

// Defaults returns the default vector.
func (s Schema) Defaults() Vector {
	v := make(Vector, len(s.Params))
	for i, p := range s.Params {
		v[i] = p.Default
	}
	return v
}

// Validate checks that every parameter has a usable range containing its
// default.
func (s Schema) Validate() error {
	if len(s.Params) == 0 {
		return errors.New("schema has no parameters")
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		switch {
		case p.Name == "":
			return errors.New("schema parameter without a name")
		case seen[p.Name]:
			return errors.Errorf("duplicate parameter %s", p.Name)
		case math.IsNaN(p.Lower) || math.IsNaN(p.Upper) || math.IsInf(p.Lower, 0) || math.IsInf(p.Upper, 0):
			return errors.Errorf("parameter %s has a non-finite bound", p.Name)
		case p.Upper < p.Lower:
			return errors.Errorf("parameter %s has upper bound %g below lower bound %g", p.Name, p.Upper, p.Lower)
		case p.Default < p.Lower || p.Default > p.Upper:
			return errors.Errorf("parameter %s default %g outside [%g, %g]", p.Name, p.Default, p.Lower, p.Upper)
		}
		seen[p.Name] = true
	}
	return nil
}

func (s Schema) checkLen(v []float64) {
	if len(v) != len(s.Params) {
		panic(errors.Errorf("vector has %d weights, schema %s has %d", len(v), s.Name, len(s.Params)))
	}
}

// Clamp returns v with every weight forced into its range.
func (s Schema) Clamp(v Vector) Vector {
	s.checkLen(v)
	out := make(Vector, len(v))
	for i, p := range s.Params {
		out[i] = clamp(v[i], p.Lower, p.Upper)
	}
	return out
}

// ToUnit maps v into the unit cube. Out of range weights are clamped first;
// a degenerate range maps to 0.
func (s Schema) ToUnit(v Vector) []float64 {
	s.checkLen(v)
	unit := make([]float64, len(v))
	for i, p := range s.Params {
		if p.Upper <= p.Lower {
			unit[i] = 0
			continue
		}
		unit[i] = (clamp(v[i], p.Lower, p.Upper) - p.Lower) / (p.Upper - p.Lower)
	}
	return unit
}

// FromUnit maps unit cube coordinates back onto the weight ranges. Coordinates
// outside [0, 1] are clamped, never extrapolated.
func (s Schema) FromUnit(unit []float64) Vector {
	s.checkLen(unit)
	v := make(Vector, len(unit))
	for i, p := range s.Params {
		v[i] = p.Lower + clamp(unit[i], 0, 1)*(p.Upper-p.Lower)
	}
	return v
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// FormatWeight renders a weight the way it appears on an engine command line.
func FormatWeight(w float64) string {
	return strconv.FormatFloat(w, 'g', 8, 64)
}

// Command builds the engine invocation for v: the engine, its fixed
// arguments, then every weight clamped to its range.
func (s Schema) Command(engine string, args []string, v Vector) []string {
	clamped := s.Clamp(v)
	argv := make([]string, 0, 1+len(args)+len(clamped))
	argv = append(argv, engine)
	argv = append(argv, args...)
	for _, w := range clamped {
		argv = append(argv, FormatWeight(w))
	}
	return argv
}

// ParseVector parses a comma separated weight list such as "1.5, 2, 0.25".
func (s Schema) ParseVector(text string) (Vector, error) {
	var v Vector
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid weight %q", part)
		}
		v = append(v, w)
	}
	if len(v) != len(s.Params) {
		return nil, errors.Errorf("expected %d weights, got %d", len(s.Params), len(v))
	}
	return v, nil
}

// LoadSchema reads a JSON schema file. Unknown fields are rejected.
func LoadSchema(path string) (Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return Schema{}, errors.Wrap(err, "while opening schema")
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	decoder.DisallowUnknownFields()
	var schema Schema
	if err := decoder.Decode(&schema); err != nil {
		return Schema{}, errors.Wrapf(err, "while decoding %s", path)
	}
	if schema.Name == "" {
		schema.Name = path
	}
	if err := schema.Validate(); err != nil {
		return Schema{}, errors.Wrapf(err, "invalid schema %s", path)
	}
	return schema, nil
}
