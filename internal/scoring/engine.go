// Package scoring turns transactions into fraud verdicts.
//
// An Engine pairs one fitted feature state with one classifier and its
// explainer. Engines are immutable; the Service swaps them atomically so
// in-flight requests never observe a half-updated pairing.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/explain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/model"
)

var (
	// ErrNotReady is returned when no engine is loaded and the service is
	// not running in degraded mode.
	ErrNotReady = errors.New("scoring engine not ready")

	// ErrSchemaMismatch is returned when a classifier and a transformer
	// disagree on the feature layout.
	ErrSchemaMismatch = artifact.ErrSchemaMismatch
)

// Engine is an immutable transformer/classifier pairing.
type Engine struct {
	version     string
	state       *features.FittedState
	clf         model.Classifier
	explainer   *explain.Module
	policy      decision.Policy
	activatedAt time.Time
}

// NewEngine validates the pairing. A nil explainer gets the default one.
func NewEngine(version string, state *features.FittedState, clf model.Classifier, policy decision.Policy, explainer *explain.Module) (*Engine, error) {
	if state == nil || clf == nil {
		return nil, fmt.Errorf("%w: transformer state and classifier are both required", ErrNotReady)
	}
	if state.SchemaVersion != features.SchemaVersion {
		return nil, fmt.Errorf("%w: fitted state schema %q, transformer schema %q",
			ErrSchemaMismatch, state.SchemaVersion, features.SchemaVersion)
	}
	if clf.NumFeatures() != features.NumFeatures {
		return nil, fmt.Errorf("%w: classifier expects %d features, transformer produces %d",
			ErrSchemaMismatch, clf.NumFeatures(), features.NumFeatures)
	}
	if explainer == nil {
		explainer = explain.New(clf, features.Names(), nil, explain.Options{})
	}
	return &Engine{
		version:     version,
		state:       state,
		clf:         clf,
		explainer:   explainer,
		policy:      policy,
		activatedAt: time.Now().UTC(),
	}, nil
}

// Version is the model version the engine serves.
func (e *Engine) Version() string { return e.version }

// State is the fitted transformer state. Callers must not modify it.
func (e *Engine) State() *features.FittedState { return e.state }

// Predict scores tx and returns the verdict with the feature vector used.
func (e *Engine) Predict(tx *domain.Transaction) (domain.Verdict, []float64, error) {
	if e == nil {
		return domain.Verdict{}, nil, ErrNotReady
	}
	x := features.Transform(e.state, tx)
	p, err := e.clf.PredictProba(x)
	if err != nil {
		return domain.Verdict{}, nil, fmt.Errorf("classifier: %w", err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return domain.Verdict{}, nil, fmt.Errorf("classifier returned invalid probability %v", p)
	}
	return e.policy.Decide(p), x, nil
}

// Explain ranks the attributions for a feature vector. It never fails.
func (e *Engine) Explain(ctx context.Context, x []float64, topK int) domain.Explanation {
	return e.explainer.Explain(ctx, x, topK)
}

// Info describes the engine.
func (e *Engine) Info() domain.ModelInfo {
	return domain.ModelInfo{
		Loaded:            true,
		Mode:              domain.ModeModel,
		ModelVersion:      e.version,
		FeatureSchema:     e.state.SchemaVersion,
		Features:          features.Names(),
		ClassifierKind:    e.clf.Kind(),
		AttributionMethod: e.explainer.Method(),
		FittedRows:        e.state.Rows,
		TrustDegraded:     e.state.TrustDegraded,
		WarnThreshold:     e.policy.Warn,
		BlockThreshold:    e.policy.Block,
		ActivatedAt:       e.activatedAt,
	}
}

// Builder assembles engines from artifacts, re-pairing a fresh transformer
// state from the corpus when the artifact carries none.
type Builder struct {
	Corpus  *dataset.Corpus
	Fitter  features.Fitter
	Policy  decision.Policy
	Explain explain.Options

	// Background is the number of trailing corpus rows averaged into the
	// attribution baseline when the artifact has none.
	Background int
}

// Build constructs an engine for a.
func (b *Builder) Build(ctx context.Context, a *artifact.Artifact) (*Engine, error) {
	start := time.Now()

	clf, err := a.BuildClassifier()
	if err != nil {
		return nil, err
	}

	state := a.Transformer
	if state == nil {
		if b.Corpus == nil || b.Corpus.Len() == 0 {
			return nil, fmt.Errorf("%w: artifact %s has no transformer state and no corpus is loaded",
				ErrNotReady, a.ModelVersion)
		}
		slog.Info("re-pairing transformer from corpus",
			"model_version", a.ModelVersion,
			"rows", b.Corpus.Len(),
			"sample_size", b.Fitter.SampleSize,
		)
		state = b.Fitter.Fit(b.Corpus.Records)
	}

	baseline := a.Background
	if baseline == nil && b.Corpus != nil && b.Background > 0 {
		rows, err := features.TransformAll(ctx, state, b.Corpus.Tail(b.Background))
		if err != nil {
			return nil, fmt.Errorf("build attribution baseline: %w", err)
		}
		baseline = features.Mean(rows)
	}

	e, err := NewEngine(a.ModelVersion, state, clf, b.Policy,
		explain.New(clf, features.Names(), baseline, b.Explain))
	if err != nil {
		return nil, err
	}

	slog.Info("scoring engine built",
		"model_version", e.version,
		"classifier", clf.Kind(),
		"attribution", e.explainer.Method(),
		"fitted_rows", state.Rows,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return e, nil
}
