package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMergesParallelEdges(t *testing.T) {
	g := Build([]Edge{
		{From: "A", To: "B", Weight: 1},
		{From: "A", To: "B", Weight: 2},
		{From: "C", To: "B", Weight: 1},
	})

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, map[string]float64{"A": 0, "B": 4, "C": 0}, g.InDegree())
	assert.Equal(t, map[string]float64{"A": 3, "B": 0, "C": 1}, g.OutDegree())
}

func TestPageRank(t *testing.T) {
	t.Run("SymmetricCycle", func(t *testing.T) {
		g := Build([]Edge{{"A", "B", 1}, {"B", "A", 1}})
		pr, err := g.PageRank(PageRankOptions{})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, pr["A"], 1e-9)
		assert.InDelta(t, 0.5, pr["B"], 1e-9)
	})

	t.Run("SinkCollectsRank", func(t *testing.T) {
		g := Build([]Edge{{"A", "HUB", 1}, {"B", "HUB", 1}, {"C", "HUB", 1}, {"HUB", "A", 1}})
		pr, err := g.PageRank(PageRankOptions{})
		require.NoError(t, err)

		sum := 0.0
		for _, v := range pr {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "rank mass is conserved")
		assert.Greater(t, pr["HUB"], pr["A"])
		assert.Greater(t, pr["A"], pr["B"], "HUB links back to A")
		assert.InDelta(t, pr["B"], pr["C"], 1e-12)
	})

	t.Run("WeightsShiftRank", func(t *testing.T) {
		g := Build([]Edge{{"S", "X", 9}, {"S", "Y", 1}, {"X", "S", 1}, {"Y", "S", 1}})
		pr, err := g.PageRank(PageRankOptions{})
		require.NoError(t, err)
		assert.Greater(t, pr["X"], pr["Y"])
	})

	t.Run("EmptyGraph", func(t *testing.T) {
		_, err := Build(nil).PageRank(PageRankOptions{})
		assert.ErrorIs(t, err, ErrEmptyGraph)
	})

	t.Run("IterationBudget", func(t *testing.T) {
		g := Build([]Edge{{"A", "B", 1}})
		_, err := g.PageRank(PageRankOptions{MaxIter: 1})
		assert.ErrorIs(t, err, ErrNoConvergence)
	})

	t.Run("Deterministic", func(t *testing.T) {
		edges := []Edge{{"A", "B", 2}, {"B", "C", 1}, {"C", "A", 1}, {"C", "D", 3}}
		a, err := Build(edges).PageRank(PageRankOptions{})
		require.NoError(t, err)
		b, err := Build(edges).PageRank(PageRankOptions{})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestTopByDegree(t *testing.T) {
	g := Build([]Edge{
		{From: "A", To: "B", Weight: 3},
		{From: "C", To: "B", Weight: 1},
		{From: "D", To: "E", Weight: 1},
	})

	t.Run("KeepsHeaviestNodes", func(t *testing.T) {
		sub := g.TopByDegree(2)
		assert.Equal(t, 2, sub.Len())
		assert.Equal(t, map[string]float64{"A": 0, "B": 3}, sub.InDegree())
	})

	t.Run("TiesKeepFirstAppearance", func(t *testing.T) {
		// C, D and E all have degree 1; C appears first.
		sub := g.TopByDegree(3)
		_, hasC := sub.InDegree()["C"]
		_, hasD := sub.InDegree()["D"]
		assert.True(t, hasC)
		assert.False(t, hasD)
	})

	t.Run("NoCap", func(t *testing.T) {
		assert.Same(t, g, g.TopByDegree(0))
		assert.Same(t, g, g.TopByDegree(10))
	})

	t.Run("IsolatedSurvivorRanked", func(t *testing.T) {
		sub := Build([]Edge{{"A", "B", 5}, {"C", "D", 1}}).TopByDegree(1)
		pr, err := sub.PageRank(PageRankOptions{})
		require.NoError(t, err)
		assert.Len(t, pr, 1)
	})
}
