package domain

import (
	"time"
)

// Decision is the action taken for a scored transaction.
type Decision string

const (
	DecisionPass  Decision = "pass"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// RiskLevel mirrors the decision zone in analyst vocabulary.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Scoring modes. ModeRuleFallback is only ever reported when the service
// is explicitly running degraded.
const (
	ModeModel        = "model"
	ModeRuleFallback = "rule_fallback"
)

// Verdict is the outcome of scoring one transaction.
type Verdict struct {
	Probability float64   `json:"probability"`
	Decision    Decision  `json:"decision"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	Confidence  float64   `json:"confidence"`
}

// Attribution is one feature's signed contribution to a prediction.
type Attribution struct {
	Feature         string  `json:"feature"`
	Value           float64 `json:"value"`
	Contribution    float64 `json:"contribution"`
	AbsContribution float64 `json:"absContribution"`
}

// Explanation is a ranked attribution list. Degraded is set when the
// attribution computation failed and zeros were returned instead.
type Explanation struct {
	Method       string        `json:"method"`
	Attributions []Attribution `json:"attributions"`
	Degraded     bool          `json:"degraded,omitempty"`
}

// ScoreOptions controls the optional parts of a scoring response.
type ScoreOptions struct {
	IncludeAttributions *bool  `json:"includeAttributions,omitempty"`
	IncludeNarrative    bool   `json:"includeNarrative,omitempty"`
	Language            string `json:"language,omitempty" validate:"omitempty,oneof=en bn"`
	TopK                int    `json:"topK,omitempty" validate:"omitempty,min=1,max=20"`
}

// WantAttributions defaults to true when unset.
func (o ScoreOptions) WantAttributions() bool {
	return o.IncludeAttributions == nil || *o.IncludeAttributions
}

// Prediction is the full scoring response.
type Prediction struct {
	ID string `json:"id"`
	Verdict
	Mode         string       `json:"mode"`
	ModelVersion string       `json:"modelVersion,omitempty"`
	Explanation  *Explanation `json:"explanation,omitempty"`
	Reasons      []string     `json:"reasons,omitempty"`
	Narrative    string       `json:"narrative,omitempty"`
	LatencyMs    float64      `json:"latencyMs"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// PredictionRecord is the stored audit form of a prediction.
type PredictionRecord struct {
	Prediction
	Transaction *Transaction `json:"transaction"`
	TraceID     string       `json:"traceId,omitempty"`
}

// PredictRequest is the API payload for /predict.
type PredictRequest struct {
	Transaction TransactionRequest `json:"transaction" validate:"required"`
	Options     ScoreOptions       `json:"options"`
}

// BatchPredictRequest is the API payload for /predict/batch.
type BatchPredictRequest struct {
	Transactions []TransactionRequest `json:"transactions" validate:"required,min=1,max=100,dive"`
	Options      ScoreOptions         `json:"options"`
}

// BatchPredictResponse aggregates a batch result.
type BatchPredictResponse struct {
	Predictions []*Prediction `json:"predictions"`
	Total       int           `json:"total"`
	Blocked     int           `json:"blocked"`
	Warned      int           `json:"warned"`
	LatencyMs   float64       `json:"latencyMs"`
}
