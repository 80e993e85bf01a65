// Package decision maps fraud probabilities onto pass/warn/block verdicts.
package decision

import (
	"fmt"
	"math"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// Policy holds the two ordered probability cutoffs.
type Policy struct {
	Warn  float64
	Block float64
}

// NewPolicy validates the thresholds. Both must lie in [0, 1] and warn must
// not exceed block.
func NewPolicy(warn, block float64) (Policy, error) {
	if math.IsNaN(warn) || math.IsNaN(block) || warn < 0 || block > 1 {
		return Policy{}, fmt.Errorf("%w: thresholds must lie in [0,1], got warn=%v block=%v",
			domain.ErrInvalidInput, warn, block)
	}
	if warn > block {
		return Policy{}, fmt.Errorf("%w: warn threshold %v exceeds block threshold %v",
			domain.ErrInvalidInput, warn, block)
	}
	return Policy{Warn: warn, Block: block}, nil
}

// Decide produces the verdict for probability p.
func (p Policy) Decide(prob float64) domain.Verdict {
	v := domain.Verdict{
		Probability: prob,
		Confidence:  Confidence(prob),
	}
	switch {
	case prob >= p.Block:
		v.Decision, v.RiskLevel = domain.DecisionBlock, domain.RiskHigh
	case prob >= p.Warn:
		v.Decision, v.RiskLevel = domain.DecisionWarn, domain.RiskMedium
	default:
		v.Decision, v.RiskLevel = domain.DecisionPass, domain.RiskLow
	}
	return v
}

// Confidence bands the distance of p from the decision boundary.
func Confidence(p float64) float64 {
	switch {
	case p < 0.1 || p > 0.9:
		return 0.9
	case p < 0.2 || p > 0.8:
		return 0.75
	case p < 0.3 || p > 0.7:
		return 0.6
	default:
		return 0.4
	}
}

// ShouldAlert reports whether a verdict is published as an alert.
func ShouldAlert(v domain.Verdict) bool {
	return v.Decision != domain.DecisionPass
}

// maxReasons bounds the reasons attached to a prediction.
const maxReasons = 3

// Reasons turns the strongest risk-increasing attributions into short
// analyst-readable strings.
func Reasons(e *domain.Explanation) []string {
	if e == nil || e.Degraded {
		return nil
	}
	var reasons []string
	for _, a := range e.Attributions {
		if a.Contribution <= 0 {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("%s=%g raised risk by %.3f", a.Feature, a.Value, a.Contribution))
		if len(reasons) == maxReasons {
			break
		}
	}
	return reasons
}
