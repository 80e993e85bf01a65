package model

import (
	"errors"
	"fmt"
	"math"
)

// Node is one node of a regression tree. A node is a leaf when Leaf is set;
// otherwise x[Feature] < Threshold routes to Left, anything else to Right,
// and NaN follows DefaultLeft. Cover is the training weight that reached the
// node and drives exact attribution.
type Node struct {
	Leaf        bool    `json:"leaf,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Feature     int     `json:"feature,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	Left        int     `json:"left,omitempty"`
	Right       int     `json:"right,omitempty"`
	DefaultLeft bool    `json:"defaultLeft,omitempty"`
	Cover       float64 `json:"cover"`
}

// Tree is a regression tree stored as a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// validate checks structural soundness so traversal cannot loop or index
// out of range.
func (t *Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Cover <= 0 {
			return fmt.Errorf("node %d has non-positive cover", i)
		}
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, numFeatures)
		}
		// Children must follow their parent, which rules out cycles.
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

func (t *Tree) next(n *Node, x []float64) int {
	v := x[n.Feature]
	switch {
	case math.IsNaN(v):
		if n.DefaultLeft {
			return n.Left
		}
		return n.Right
	case v < n.Threshold:
		return n.Left
	default:
		return n.Right
	}
}

// Predict returns the leaf value reached by x.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for !t.Nodes[i].Leaf {
		i = t.next(&t.Nodes[i], x)
	}
	return t.Nodes[i].Value
}

// expected returns the cover-weighted mean leaf value.
func (t *Tree) expected(i int) float64 {
	n := &t.Nodes[i]
	if n.Leaf {
		return n.Value
	}
	l, r := &t.Nodes[n.Left], &t.Nodes[n.Right]
	return (l.Cover*t.expected(n.Left) + r.Cover*t.expected(n.Right)) / n.Cover
}

// pathElem is one entry of the unique feature path used by TreeSHAP.
type pathElem struct {
	feature int
	zero    float64 // fraction of cover flowing down this path when the feature is absent
	one     float64 // 1 when x follows this path, 0 otherwise
	weight  float64
}

// shap accumulates the path-dependent TreeSHAP values of x into phi
// (Lundberg et al., "Consistent Individualized Feature Attribution for Tree
// Ensembles", algorithm 2).
func (t *Tree) shap(x, phi []float64) {
	t.shapRecurse(x, phi, 0, nil, 1, 1, -1)
}

func (t *Tree) shapRecurse(x, phi []float64, node int, parent []pathElem, zero, one float64, feature int) {
	path := make([]pathElem, len(parent), len(parent)+1)
	copy(path, parent)
	path = extendPath(path, zero, one, feature)

	n := &t.Nodes[node]
	if n.Leaf {
		for i := 1; i < len(path); i++ {
			w := unwoundPathSum(path, i)
			el := path[i]
			phi[el.feature] += w * (el.one - el.zero) * n.Value
		}
		return
	}

	hot := t.next(n, x)
	cold := n.Right
	if hot == n.Right {
		cold = n.Left
	}
	hotZero := t.Nodes[hot].Cover / n.Cover
	coldZero := t.Nodes[cold].Cover / n.Cover

	inZero, inOne := 1.0, 1.0
	for k := 1; k < len(path); k++ {
		if path[k].feature == n.Feature {
			inZero, inOne = path[k].zero, path[k].one
			path = unwindPath(path, k)
			break
		}
	}

	t.shapRecurse(x, phi, hot, path, hotZero*inZero, inOne, n.Feature)
	t.shapRecurse(x, phi, cold, path, coldZero*inZero, 0, n.Feature)
}

func extendPath(path []pathElem, zero, one float64, feature int) []pathElem {
	depth := len(path)
	w := 0.0
	if depth == 0 {
		w = 1
	}
	path = append(path, pathElem{feature: feature, zero: zero, one: one, weight: w})
	d := float64(depth + 1)
	for i := depth - 1; i >= 0; i-- {
		path[i+1].weight += one * path[i].weight * float64(i+1) / d
		path[i].weight = zero * path[i].weight * float64(depth-i) / d
	}
	return path
}

func unwindPath(path []pathElem, k int) []pathElem {
	depth := len(path) - 1
	one, zero := path[k].one, path[k].zero
	next := path[depth].weight
	d := float64(depth + 1)
	for i := depth - 1; i >= 0; i-- {
		if one != 0 {
			tmp := path[i].weight
			path[i].weight = next * d / (float64(i+1) * one)
			next = tmp - path[i].weight*zero*float64(depth-i)/d
		} else {
			path[i].weight = path[i].weight * d / (zero * float64(depth-i))
		}
	}
	for i := k; i < depth; i++ {
		path[i].feature = path[i+1].feature
		path[i].zero = path[i+1].zero
		path[i].one = path[i+1].one
	}
	return path[:depth]
}

func unwoundPathSum(path []pathElem, k int) float64 {
	depth := len(path) - 1
	one, zero := path[k].one, path[k].zero
	next := path[depth].weight
	total := 0.0
	if one != 0 {
		for i := depth - 1; i >= 0; i-- {
			tmp := next / (float64(i+1) * one)
			total += tmp
			next = path[i].weight - tmp*zero*float64(depth-i)
		}
	} else {
		for i := depth - 1; i >= 0; i-- {
			total += path[i].weight / (zero * float64(depth-i))
		}
	}
	return total * float64(depth+1)
}
