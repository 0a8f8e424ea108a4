// Search strategies: grid enumeration and random sampling
package optimize

import (
	"math/rand"
	"time"
)

// ============================================================================
// SEARCH STRATEGY INTERFACE
// ============================================================================

// AssignmentIterator yields successive parameter assignments until the
// strategy is exhausted.
type AssignmentIterator interface {
	Next() (ParameterSet, bool)
}

// SearchStrategy produces the sequence of assignments for one run.
type SearchStrategy interface {
	// Name identifies the strategy for logs and results.
	Name() string

	// Generate returns a fresh iterator over the space's assignments.
	Generate(space *ParameterSpace) AssignmentIterator

	// TotalCount returns the number of assignments the strategy will emit,
	// when known up front.
	TotalCount(space *ParameterSpace) (int, bool)
}

// SearchConfig selects and parameterizes a search strategy.
type SearchConfig struct {
	// Algorithm is "grid" or "random".
	Algorithm string

	// MaxIterations is the sample budget for random search.
	MaxIterations int

	// RandomSeed makes random search reproducible. Nil seeds from the
	// clock.
	RandomSeed *int64
}

// NewSearchStrategy builds the configured strategy. Unknown algorithm names
// yield a ConfigurationError.
func NewSearchStrategy(cfg SearchConfig) (SearchStrategy, error) {
	switch cfg.Algorithm {
	case "grid":
		return &GridSearch{}, nil
	case "random":
		if cfg.MaxIterations <= 0 {
			return nil, configErrorf("random search requires max_iterations > 0, got %d", cfg.MaxIterations)
		}
		return &RandomSearch{MaxIterations: cfg.MaxIterations, Seed: cfg.RandomSeed}, nil
	default:
		return nil, configErrorf("unknown search algorithm %q (available: grid, random)", cfg.Algorithm)
	}
}

// ============================================================================
// GRID SEARCH
// ============================================================================

// GridSearch exhaustively enumerates the space's Cartesian product in
// declaration order, visiting each combination exactly once.
type GridSearch struct{}

func (g *GridSearch) Name() string { return "grid" }

func (g *GridSearch) Generate(space *ParameterSpace) AssignmentIterator {
	return space.gridIterator()
}

func (g *GridSearch) TotalCount(space *ParameterSpace) (int, bool) {
	return space.GridSize(), true
}

// ============================================================================
// RANDOM SEARCH
// ============================================================================

// RandomSearch draws MaxIterations independent uniform samples from the
// space. A fixed seed makes the sequence byte-for-byte reproducible for the
// same space and iteration count.
type RandomSearch struct {
	MaxIterations int
	Seed          *int64
}

func (r *RandomSearch) Name() string { return "random" }

func (r *RandomSearch) Generate(space *ParameterSpace) AssignmentIterator {
	seed := time.Now().UnixNano()
	if r.Seed != nil {
		seed = *r.Seed
	}
	return &randomIterator{
		space:     space,
		remaining: r.MaxIterations,
		rng:       rand.New(rand.NewSource(seed)), // #nosec G404 -- non-cryptographic: reproducible sampling
	}
}

func (r *RandomSearch) TotalCount(*ParameterSpace) (int, bool) {
	return r.MaxIterations, true
}

type randomIterator struct {
	space     *ParameterSpace
	remaining int
	rng       *rand.Rand
}

func (it *randomIterator) Next() (ParameterSet, bool) {
	if it.remaining <= 0 {
		return nil, false
	}
	it.remaining--
	return it.space.Sample(it.rng), true
}
