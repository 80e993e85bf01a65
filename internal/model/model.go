// Package model implements the pre-trained classifiers used for scoring.
package model

import (
	"errors"
	"fmt"
	"math"
)

// Classifier kinds as they appear in artifacts.
const (
	KindTreeEnsemble = "tree_ensemble"
	KindLogistic     = "logistic"
)

// ErrFeatureCount is returned when an input vector has the wrong width.
var ErrFeatureCount = errors.New("feature count mismatch")

// Classifier produces the positive-class probability for a feature vector.
// Implementations are immutable and safe for concurrent use.
type Classifier interface {
	Kind() string
	NumFeatures() int
	PredictProba(x []float64) (float64, error)
}

// ExactAttributor is implemented by classifiers that can attribute a
// prediction exactly. Attributions are in margin (log-odds) space and sum,
// together with ExpectedMargin, to the raw margin of x.
type ExactAttributor interface {
	Classifier
	ExpectedMargin() float64
	Attribute(x []float64) ([]float64, error)
}

func checkWidth(x []float64, n int) error {
	if len(x) != n {
		return fmt.Errorf("%w: got %d, model expects %d", ErrFeatureCount, len(x), n)
	}
	return nil
}

// Sigmoid maps a log-odds margin to a probability.
func Sigmoid(margin float64) float64 {
	return 1 / (1 + math.Exp(-margin))
}
