package domain

import "time"

// BacktestRequest is the API payload for /backtest.
type BacktestRequest struct {
	Rule   string `json:"rule" validate:"required,max=512"`
	Window int    `json:"window" validate:"gte=0"`
}

// BacktestResult summarises a predicate run over a historical window.
type BacktestResult struct {
	ID             string    `json:"id"`
	Rule           string    `json:"rule"`
	WindowSize     int       `json:"windowSize"`
	Matches        int       `json:"matches"`
	TruePositives  int       `json:"truePositives"`
	FalsePositives int       `json:"falsePositives"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	Labelled       bool      `json:"labelled"`
	UsedFeatures   bool      `json:"usedFeatures"`
	DurationMs     float64   `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}
