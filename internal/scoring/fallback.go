package scoring

import (
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/velocity"
)

// Fallback heuristic thresholds.
const (
	fallbackHighAmount    = 50000
	fallbackThinHistory   = 10
	fallbackThinAmount    = 10000
	fallbackMeanMultiple  = 3
	fallbackBurstInWindow = 10
)

// FallbackScorer scores transactions with explicit boolean heuristics over
// raw fields and sender history. It is used only when the service runs in
// degraded mode and its results carry mode "rule_fallback".
type FallbackScorer struct{}

// Score returns a risk score in [0, 1] and the heuristics that fired.
// A nil history is treated as an unknown sender.
func (FallbackScorer) Score(tx *domain.Transaction, h *velocity.History) (float64, []string) {
	if h == nil {
		h = &velocity.History{NameOrig: tx.NameOrig}
	}

	var (
		score   float64
		reasons []string
	)
	add := func(w float64, reason string) {
		score += w
		reasons = append(reasons, reason)
	}

	if tx.Amount > tx.OldBalanceOrig {
		add(0.5, "Amount exceeds available balance")
	}
	if tx.Amount > tx.OldBalanceOrig*0.5 {
		add(0.2, "Large transaction relative to balance")
	}
	if tx.Amount > fallbackHighAmount {
		add(0.3, "Unusually high transaction amount")
	}
	if h.Count < fallbackThinHistory && tx.Amount > fallbackThinAmount {
		add(0.25, "New account with high-value transaction")
	}
	if h.Count > 0 && tx.Amount > h.MeanAmount*fallbackMeanMultiple {
		add(0.2, "Amount significantly deviates from typical behavior")
	}
	if h.Recent > fallbackBurstInWindow {
		add(0.15, "Burst of transactions from sender")
	}

	return min(score, 1), reasons
}
