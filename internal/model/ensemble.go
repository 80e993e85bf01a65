package model

import (
	"fmt"
	"math"
)

// TreeEnsemble is a gradient-boosted tree classifier with a logistic link:
// probability = sigmoid(BaseMargin + sum of tree outputs).
type TreeEnsemble struct {
	Features   int     `json:"numFeatures"`
	BaseMargin float64 `json:"baseMargin"`
	Trees      []Tree  `json:"trees"`

	expectedMargin float64
}

// NewTreeEnsemble validates the trees and precomputes the expected margin.
func NewTreeEnsemble(numFeatures int, baseMargin float64, trees []Tree) (*TreeEnsemble, error) {
	e := &TreeEnsemble{Features: numFeatures, BaseMargin: baseMargin, Trees: trees}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TreeEnsemble) init() error {
	if e.Features <= 0 {
		return fmt.Errorf("tree ensemble: numFeatures must be positive")
	}
	if len(e.Trees) == 0 {
		return fmt.Errorf("tree ensemble: no trees")
	}
	e.expectedMargin = e.BaseMargin
	for i := range e.Trees {
		if err := e.Trees[i].validate(e.Features); err != nil {
			return fmt.Errorf("tree ensemble: tree %d: %w", i, err)
		}
		e.expectedMargin += e.Trees[i].expected(0)
	}
	return nil
}

// Kind implements Classifier.
func (e *TreeEnsemble) Kind() string { return KindTreeEnsemble }

// NumFeatures implements Classifier.
func (e *TreeEnsemble) NumFeatures() int { return e.Features }

// Margin returns the raw log-odds for x.
func (e *TreeEnsemble) Margin(x []float64) (float64, error) {
	if err := checkWidth(x, e.Features); err != nil {
		return 0, err
	}
	m := e.BaseMargin
	for i := range e.Trees {
		m += e.Trees[i].Predict(x)
	}
	return m, nil
}

// PredictProba implements Classifier.
func (e *TreeEnsemble) PredictProba(x []float64) (float64, error) {
	m, err := e.Margin(x)
	if err != nil {
		return 0, err
	}
	return Sigmoid(m), nil
}

// ExpectedMargin implements ExactAttributor.
func (e *TreeEnsemble) ExpectedMargin() float64 { return e.expectedMargin }

// Attribute implements ExactAttributor with path-dependent TreeSHAP.
func (e *TreeEnsemble) Attribute(x []float64) ([]float64, error) {
	if err := checkWidth(x, e.Features); err != nil {
		return nil, err
	}
	phi := make([]float64, e.Features)
	for i := range e.Trees {
		e.Trees[i].shap(x, phi)
	}
	for i, v := range phi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("attribution for feature %d is not finite", i)
		}
	}
	return phi, nil
}
