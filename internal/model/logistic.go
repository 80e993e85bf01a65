package model

import "fmt"

// Logistic is a linear classifier: probability = sigmoid(Bias + Weights·x).
// It offers no exact attribution, so explanations fall back to the generic
// approximate method.
type Logistic struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// NewLogistic validates and returns a logistic classifier.
func NewLogistic(weights []float64, bias float64) (*Logistic, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("logistic: no weights")
	}
	return &Logistic{Weights: weights, Bias: bias}, nil
}

// Kind implements Classifier.
func (l *Logistic) Kind() string { return KindLogistic }

// NumFeatures implements Classifier.
func (l *Logistic) NumFeatures() int { return len(l.Weights) }

// PredictProba implements Classifier.
func (l *Logistic) PredictProba(x []float64) (float64, error) {
	if err := checkWidth(x, len(l.Weights)); err != nil {
		return 0, err
	}
	z := l.Bias
	for i, w := range l.Weights {
		z += w * x[i]
	}
	return Sigmoid(z), nil
}
