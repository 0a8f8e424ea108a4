package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpace(t *testing.T) *ParameterSpace {
	t.Helper()
	space, err := NewParameterSpace(
		Range("fast_period", 5, 15, 5),
		Choices("slow_period", 20, 30),
	)
	require.NoError(t, err)
	return space
}

func drain(iter AssignmentIterator) []ParameterSet {
	var sets []ParameterSet
	for {
		ps, ok := iter.Next()
		if !ok {
			return sets
		}
		sets = append(sets, ps)
	}
}

func TestNewSearchStrategy(t *testing.T) {
	t.Run("grid", func(t *testing.T) {
		s, err := NewSearchStrategy(SearchConfig{Algorithm: "grid"})
		require.NoError(t, err)
		assert.Equal(t, "grid", s.Name())
	})

	t.Run("random requires a budget", func(t *testing.T) {
		_, err := NewSearchStrategy(SearchConfig{Algorithm: "random"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_iterations")

		s, err := NewSearchStrategy(SearchConfig{Algorithm: "random", MaxIterations: 10})
		require.NoError(t, err)
		assert.Equal(t, "random", s.Name())
	})

	t.Run("unknown algorithm rejected", func(t *testing.T) {
		_, err := NewSearchStrategy(SearchConfig{Algorithm: "bayesian"})
		require.Error(t, err)
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestGridSearchEnumeration(t *testing.T) {
	space := testSpace(t)
	grid := &GridSearch{}

	total, known := grid.TotalCount(space)
	assert.True(t, known)
	assert.Equal(t, 6, total)

	sets := drain(grid.Generate(space))
	require.Len(t, sets, 6)
	assert.Equal(t, space.GridCombinations(), sets)

	// A fresh iterator replays the identical sequence.
	assert.Equal(t, sets, drain(grid.Generate(space)))
}

func TestRandomSearchSampling(t *testing.T) {
	space := testSpace(t)
	seed := int64(1234)

	t.Run("respects iteration budget", func(t *testing.T) {
		random := &RandomSearch{MaxIterations: 25, Seed: &seed}
		total, known := random.TotalCount(space)
		assert.True(t, known)
		assert.Equal(t, 25, total)
		assert.Len(t, drain(random.Generate(space)), 25)
	})

	t.Run("seeded runs reproduce", func(t *testing.T) {
		random := &RandomSearch{MaxIterations: 25, Seed: &seed}
		first := drain(random.Generate(space))
		second := drain(random.Generate(space))
		assert.Equal(t, first, second)
	})

	t.Run("different seeds diverge", func(t *testing.T) {
		other := int64(5678)
		a := drain((&RandomSearch{MaxIterations: 25, Seed: &seed}).Generate(space))
		b := drain((&RandomSearch{MaxIterations: 25, Seed: &other}).Generate(space))
		assert.NotEqual(t, a, b)
	})

	t.Run("samples come from the declared domains", func(t *testing.T) {
		random := &RandomSearch{MaxIterations: 50, Seed: &seed}
		for _, ps := range drain(random.Generate(space)) {
			assert.Contains(t, []any{5, 10, 15}, ps["fast_period"])
			assert.Contains(t, []any{20, 30}, ps["slow_period"])
		}
	})
}
