package decision

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/clovershield/internal/domain"
)

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name        string
		warn, block float64
		wantErr     bool
	}{
		{"Default", 0.30, 0.70, false},
		{"Equal", 0.5, 0.5, false},
		{"Bounds", 0, 1, false},
		{"Misordered", 0.8, 0.2, true},
		{"Negative", -0.1, 0.5, true},
		{"AboveOne", 0.3, 1.5, true},
		{"NaN", math.NaN(), 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.warn, tt.block)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPolicy(%v, %v) error = %v, wantErr %v", tt.warn, tt.block, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("error %v does not wrap ErrInvalidInput", err)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	p, err := NewPolicy(0.30, 0.70)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		prob     float64
		decision domain.Decision
		risk     domain.RiskLevel
	}{
		{0, domain.DecisionPass, domain.RiskLow},
		{0.2999, domain.DecisionPass, domain.RiskLow},
		{0.30, domain.DecisionWarn, domain.RiskMedium},
		{0.6999, domain.DecisionWarn, domain.RiskMedium},
		{0.70, domain.DecisionBlock, domain.RiskHigh},
		{0.93, domain.DecisionBlock, domain.RiskHigh},
		{1, domain.DecisionBlock, domain.RiskHigh},
	}
	for _, tt := range tests {
		v := p.Decide(tt.prob)
		if v.Decision != tt.decision || v.RiskLevel != tt.risk {
			t.Errorf("Decide(%v) = %s/%s, want %s/%s", tt.prob, v.Decision, v.RiskLevel, tt.decision, tt.risk)
		}
		if v.Probability != tt.prob {
			t.Errorf("Decide(%v) probability = %v", tt.prob, v.Probability)
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := map[float64]float64{
		0.05: 0.9, 0.95: 0.9,
		0.15: 0.75, 0.85: 0.75,
		0.25: 0.6, 0.75: 0.6,
		0.3: 0.4, 0.5: 0.4, 0.7: 0.4,
		0.1: 0.75, 0.9: 0.75,
	}
	for p, want := range tests {
		if got := Confidence(p); got != want {
			t.Errorf("Confidence(%v) = %v, want %v", p, got, want)
		}
	}
}

func TestShouldAlert(t *testing.T) {
	if ShouldAlert(domain.Verdict{Decision: domain.DecisionPass}) {
		t.Error("pass should not alert")
	}
	if !ShouldAlert(domain.Verdict{Decision: domain.DecisionWarn}) {
		t.Error("warn should alert")
	}
	if !ShouldAlert(domain.Verdict{Decision: domain.DecisionBlock}) {
		t.Error("block should alert")
	}
}

func TestReasons(t *testing.T) {
	e := &domain.Explanation{Attributions: []domain.Attribution{
		{Feature: "amount", Value: 500000, Contribution: 1.2},
		{Feature: "is_new_origin", Value: 1, Contribution: -0.4},
		{Feature: "amount_over_oldBalanceOrig", Value: 1, Contribution: 0.8},
		{Feature: "hour", Value: 3, Contribution: 0.1},
		{Feature: "step", Value: 1, Contribution: 0.05},
	}}

	reasons := Reasons(e)
	if len(reasons) != 3 {
		t.Fatalf("got %d reasons, want 3: %v", len(reasons), reasons)
	}
	if reasons[0] != "amount=500000 raised risk by 1.200" {
		t.Errorf("unexpected first reason %q", reasons[0])
	}

	if Reasons(nil) != nil {
		t.Error("nil explanation should yield no reasons")
	}
	if Reasons(&domain.Explanation{Degraded: true, Attributions: e.Attributions}) != nil {
		t.Error("degraded explanation should yield no reasons")
	}
}
