// Package optimize searches a trading strategy's parameter space for the
// configuration that maximizes (or minimizes) a chosen performance objective,
// evaluating each candidate through the backtest executor.
package optimize

import (
	"fmt"
	"math"
	"math/rand"
)

// ============================================================================
// PARAMETER DEFINITIONS
// ============================================================================

// ParamKind discriminates the three parameter domain shapes.
type ParamKind string

const (
	KindFixed   ParamKind = "fixed"
	KindRange   ParamKind = "range"
	KindChoices ParamKind = "choices"
)

// ParameterDefinition declares one tunable parameter's domain.
type ParameterDefinition struct {
	Name string
	Kind ParamKind

	// Fixed
	Value any

	// Range: inclusive bounds, Step > 0. Integral start/stop/step produce
	// int values; fractional ranges are linearly interpolated.
	Start float64
	Stop  float64
	Step  float64

	// Choices: non-empty ordered list.
	Choices []any
}

// Fixed declares a parameter pinned to a single value.
func Fixed(name string, value any) ParameterDefinition {
	return ParameterDefinition{Name: name, Kind: KindFixed, Value: value}
}

// Range declares an inclusive arithmetic range parameter.
func Range(name string, start, stop, step float64) ParameterDefinition {
	return ParameterDefinition{Name: name, Kind: KindRange, Start: start, Stop: stop, Step: step}
}

// Choices declares a categorical parameter over an ordered value list.
func Choices(name string, values ...any) ParameterDefinition {
	return ParameterDefinition{Name: name, Kind: KindChoices, Choices: values}
}

func (d *ParameterDefinition) validate() error {
	if d.Name == "" {
		return configErrorf("parameter with empty name")
	}
	switch d.Kind {
	case KindFixed:
		return nil
	case KindRange:
		if d.Step <= 0 {
			return configErrorf("parameter %s: step must be positive, got %v", d.Name, d.Step)
		}
		if d.Stop < d.Start {
			return configErrorf("parameter %s: stop (%v) must not be less than start (%v)", d.Name, d.Stop, d.Start)
		}
		return nil
	case KindChoices:
		if len(d.Choices) == 0 {
			return configErrorf("parameter %s: choices must not be empty", d.Name)
		}
		return nil
	default:
		return configErrorf("parameter %s: unknown kind %q", d.Name, d.Kind)
	}
}

// GridValues enumerates the parameter's discrete domain in order.
func (d *ParameterDefinition) GridValues() []any {
	switch d.Kind {
	case KindFixed:
		return []any{d.Value}
	case KindChoices:
		values := make([]any, len(d.Choices))
		copy(values, d.Choices)
		return values
	case KindRange:
		return d.rangeValues()
	default:
		return nil
	}
}

// Cardinality returns the domain size without materializing values.
func (d *ParameterDefinition) Cardinality() int {
	switch d.Kind {
	case KindFixed:
		return 1
	case KindChoices:
		return len(d.Choices)
	case KindRange:
		return d.rangeCount()
	default:
		return 0
	}
}

func isIntegral(f float64) bool { return f == math.Trunc(f) }

func (d *ParameterDefinition) integralRange() bool {
	return isIntegral(d.Start) && isIntegral(d.Stop) && isIntegral(d.Step)
}

func (d *ParameterDefinition) rangeCount() int {
	if d.integralRange() {
		return int((int64(d.Stop)-int64(d.Start))/int64(d.Step)) + 1
	}
	return int(math.Round((d.Stop-d.Start)/d.Step)) + 1
}

// rangeValues steps integral ranges with integer arithmetic; fractional
// ranges interpolate from a fixed point count to avoid accumulation drift.
func (d *ParameterDefinition) rangeValues() []any {
	if d.integralRange() {
		start, stop, step := int(d.Start), int(d.Stop), int(d.Step)
		values := make([]any, 0, (stop-start)/step+1)
		for v := start; v <= stop; v += step {
			values = append(values, v)
		}
		return values
	}

	count := d.rangeCount()
	values := make([]any, count)
	if count == 1 {
		values[0] = d.Start
		return values
	}
	// Interpolate between the bounds instead of accumulating steps, so the
	// endpoints are exact and no float drift builds up.
	span := d.Stop - d.Start
	for i := 0; i < count; i++ {
		values[i] = d.Start + span*float64(i)/float64(count-1)
	}
	return values
}

// sample draws one value uniformly from the stepped domain.
func (d *ParameterDefinition) sample(rng *rand.Rand) any {
	switch d.Kind {
	case KindFixed:
		return d.Value
	case KindChoices:
		return d.Choices[rng.Intn(len(d.Choices))]
	case KindRange:
		values := d.rangeValues()
		return values[rng.Intn(len(values))]
	default:
		return nil
	}
}

// SampleContinuous draws a uniform continuous value in [start, stop] for
// range parameters; other kinds fall back to stepped sampling.
func (d *ParameterDefinition) SampleContinuous(rng *rand.Rand) any {
	if d.Kind == KindRange {
		return d.Start + rng.Float64()*(d.Stop-d.Start)
	}
	return d.sample(rng)
}

// ============================================================================
// PARAMETER SET
// ============================================================================

// ParameterSet is one concrete assignment of values to parameter names.
type ParameterSet map[string]any

// Clone creates a shallow copy of the parameter set.
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// ============================================================================
// PARAMETER SPACE
// ============================================================================

// ParameterSpace is an ordered, validated collection of parameter
// definitions. Declaration order fixes grid enumeration order, which makes
// grid search deterministic and resumable by index.
type ParameterSpace struct {
	defs []ParameterDefinition
}

// NewParameterSpace validates the definitions and builds a space.
func NewParameterSpace(defs ...ParameterDefinition) (*ParameterSpace, error) {
	if len(defs) == 0 {
		return nil, configErrorf("parameter space must declare at least one parameter")
	}
	seen := make(map[string]bool, len(defs))
	for i := range defs {
		if err := defs[i].validate(); err != nil {
			return nil, err
		}
		if seen[defs[i].Name] {
			return nil, configErrorf("duplicate parameter %s", defs[i].Name)
		}
		seen[defs[i].Name] = true
	}
	return &ParameterSpace{defs: defs}, nil
}

// Definitions returns the parameter definitions in declaration order.
func (s *ParameterSpace) Definitions() []ParameterDefinition {
	return s.defs
}

// GridSize returns the Cartesian product cardinality without evaluating
// any trial.
func (s *ParameterSpace) GridSize() int {
	size := 1
	for i := range s.defs {
		size *= s.defs[i].Cardinality()
	}
	return size
}

// GridCombinations enumerates the full Cartesian product in declaration
// order, leftmost parameter varying slowest.
func (s *ParameterSpace) GridCombinations() []ParameterSet {
	iter := s.gridIterator()
	combos := make([]ParameterSet, 0, s.GridSize())
	for {
		ps, ok := iter.Next()
		if !ok {
			break
		}
		combos = append(combos, ps)
	}
	return combos
}

// gridIterator walks the Cartesian product without materializing it.
func (s *ParameterSpace) gridIterator() *gridIterator {
	values := make([][]any, len(s.defs))
	for i := range s.defs {
		values[i] = s.defs[i].GridValues()
	}
	return &gridIterator{space: s, values: values, indices: make([]int, len(s.defs))}
}

type gridIterator struct {
	space   *ParameterSpace
	values  [][]any
	indices []int
	done    bool
}

func (it *gridIterator) Next() (ParameterSet, bool) {
	if it.done {
		return nil, false
	}

	ps := make(ParameterSet, len(it.space.defs))
	for i, def := range it.space.defs {
		ps[def.Name] = it.values[i][it.indices[i]]
	}

	// Odometer increment, rightmost digit fastest.
	for i := len(it.indices) - 1; i >= 0; i-- {
		it.indices[i]++
		if it.indices[i] < len(it.values[i]) {
			return ps, true
		}
		it.indices[i] = 0
	}
	it.done = true
	return ps, true
}

// Sample draws one assignment using the supplied random source. Range
// parameters sample a uniform index over the stepped domain so values stay
// grid-aligned; the caller owns the RNG, making runs reproducible by seed.
func (s *ParameterSpace) Sample(rng *rand.Rand) ParameterSet {
	ps := make(ParameterSet, len(s.defs))
	for i := range s.defs {
		ps[s.defs[i].Name] = s.defs[i].sample(rng)
	}
	return ps
}

// String describes the space compactly for logs.
func (s *ParameterSpace) String() string {
	return fmt.Sprintf("ParameterSpace(%d params, grid size %d)", len(s.defs), s.GridSize())
}
