package domain

import "time"

// Model registry statuses.
const (
	ModelStatusReady  = "ready"
	ModelStatusActive = "active"
)

// ModelRecord is a registered model artifact.
type ModelRecord struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	ArtifactPath string    `json:"artifactPath"`
	Status       string    `json:"status"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ActivatedAt  time.Time `json:"activatedAt,omitzero"`
}

// RegisterModelRequest is the API payload for POST /models.
type RegisterModelRequest struct {
	ArtifactPath string `json:"artifactPath" validate:"required"`
	Description  string `json:"description,omitempty" validate:"max=256"`
}

// ModelInfo describes the currently active scoring engine.
type ModelInfo struct {
	Loaded            bool      `json:"loaded"`
	Mode              string    `json:"mode"`
	ModelVersion      string    `json:"modelVersion,omitempty"`
	FeatureSchema     string    `json:"featureSchema,omitempty"`
	Features          []string  `json:"features,omitempty"`
	ClassifierKind    string    `json:"classifierKind,omitempty"`
	AttributionMethod string    `json:"attributionMethod,omitempty"`
	FittedRows        int       `json:"fittedRows"`
	TrustDegraded     bool      `json:"trustDegraded"`
	WarnThreshold     float64   `json:"warnThreshold"`
	BlockThreshold    float64   `json:"blockThreshold"`
	ActivatedAt       time.Time `json:"activatedAt,omitzero"`
}
