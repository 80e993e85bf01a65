// Package graph builds the weighted account graph and scores node trust.
package graph

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

// PageRank defaults.
const (
	DefaultDamping   = 0.85
	DefaultTolerance = 1e-4
	DefaultMaxIter   = 100
)

var (
	// ErrEmptyGraph is returned when PageRank is asked to rank no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrNoConvergence is returned when power iteration exceeds its budget.
	ErrNoConvergence = errors.New("pagerank did not converge")
)

// Edge is a directed, weighted account pair.
type Edge struct {
	From, To string
	Weight   float64
}

// Digraph is an immutable weighted directed graph. Nodes are indexed in
// first-appearance order of the edge list it was built from.
type Digraph struct {
	names []string
	index map[string]int
	out   [][]arc
	inW   []float64
	outW  []float64
}

type arc struct {
	to     int
	weight float64
}

// Build constructs a digraph. Parallel edges between the same pair are merged
// by summing their weights.
func Build(edges []Edge) *Digraph {
	g := &Digraph{index: make(map[string]int)}
	pair := make(map[[2]int]int)

	for _, e := range edges {
		u := g.node(e.From)
		v := g.node(e.To)
		if i, ok := pair[[2]int{u, v}]; ok {
			g.out[u][i].weight += e.Weight
		} else {
			pair[[2]int{u, v}] = len(g.out[u])
			g.out[u] = append(g.out[u], arc{to: v, weight: e.Weight})
		}
		g.outW[u] += e.Weight
		g.inW[v] += e.Weight
	}
	return g
}

func (g *Digraph) node(name string) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	i := len(g.names)
	g.index[name] = i
	g.names = append(g.names, name)
	g.out = append(g.out, nil)
	g.inW = append(g.inW, 0)
	g.outW = append(g.outW, 0)
	return i
}

// Len returns the number of nodes.
func (g *Digraph) Len() int { return len(g.names) }

// InDegree returns the weighted in-degree of every node.
func (g *Digraph) InDegree() map[string]float64 { return g.byName(g.inW) }

// OutDegree returns the weighted out-degree of every node.
func (g *Digraph) OutDegree() map[string]float64 { return g.byName(g.outW) }

func (g *Digraph) byName(vals []float64) map[string]float64 {
	m := make(map[string]float64, len(vals))
	for i, v := range vals {
		m[g.names[i]] = v
	}
	return m
}

// TopByDegree returns the subgraph induced by the n nodes with the largest
// weighted degree (in + out). Ties keep first-appearance order.
func (g *Digraph) TopByDegree(n int) *Digraph {
	if n <= 0 || n >= g.Len() {
		return g
	}

	order := make([]int, g.Len())
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(g.inW[b]+g.outW[b], g.inW[a]+g.outW[a])
	})

	keep := make([]bool, g.Len())
	for _, i := range order[:n] {
		keep[i] = true
	}

	var edges []Edge
	for u := range g.out {
		if !keep[u] {
			continue
		}
		for _, a := range g.out[u] {
			if keep[a.to] {
				edges = append(edges, Edge{From: g.names[u], To: g.names[a.to], Weight: a.weight})
			}
		}
	}

	sub := Build(edges)
	// Isolated survivors still receive rank mass.
	for _, i := range order[:n] {
		sub.node(g.names[i])
	}
	return sub
}

// PageRankOptions tunes the power iteration.
type PageRankOptions struct {
	Damping   float64
	Tolerance float64
	MaxIter   int
}

func (o PageRankOptions) withDefaults() PageRankOptions {
	if o.Damping == 0 {
		o.Damping = DefaultDamping
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxIter == 0 {
		o.MaxIter = DefaultMaxIter
	}
	return o
}

// PageRank computes weighted PageRank by power iteration. Rank held by
// dangling nodes is redistributed uniformly. Convergence is declared when the
// L1 change between iterations drops below Len()*Tolerance.
func (g *Digraph) PageRank(opts PageRankOptions) (map[string]float64, error) {
	opts = opts.withDefaults()
	n := g.Len()
	if n == 0 {
		return nil, ErrEmptyGraph
	}

	uniform := 1.0 / float64(n)
	x := make([]float64, n)
	for i := range x {
		x[i] = uniform
	}
	next := make([]float64, n)

	for iter := 0; iter < opts.MaxIter; iter++ {
		dangling := 0.0
		for u := range x {
			if g.outW[u] == 0 {
				dangling += x[u]
			}
		}
		base := opts.Damping*dangling*uniform + (1-opts.Damping)*uniform
		for i := range next {
			next[i] = base
		}
		for u, arcs := range g.out {
			if g.outW[u] == 0 {
				continue
			}
			share := opts.Damping * x[u] / g.outW[u]
			for _, a := range arcs {
				next[a.to] += share * a.weight
			}
		}

		diff := 0.0
		for i := range x {
			diff += math.Abs(next[i] - x[i])
		}
		x, next = next, x

		if math.IsNaN(diff) {
			return nil, fmt.Errorf("pagerank diverged at iteration %d", iter)
		}
		if diff < float64(n)*opts.Tolerance {
			return g.byName(x), nil
		}
	}
	return nil, fmt.Errorf("%w after %d iterations", ErrNoConvergence, opts.MaxIter)
}
