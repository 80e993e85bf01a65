package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/cache"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/metrics"
	"github.com/opensource-finance/clovershield/internal/velocity"
)

// MaxBatch bounds PredictBatch.
const MaxBatch = 100

// Narrator produces a natural-language explanation of a prediction.
type Narrator interface {
	Narrate(ctx context.Context, p *domain.Prediction, attrs []domain.Attribution, language string) (string, error)
}

// Recorder persists scored transactions.
type Recorder interface {
	SavePrediction(ctx context.Context, rec *domain.PredictionRecord) error
}

// Options configures a Service. Only Policy is required.
type Options struct {
	Policy  decision.Policy
	Builder *Builder

	// Fallback enables degraded mode: with no engine loaded, transactions
	// are scored by the fallback heuristics instead of failing.
	Fallback *FallbackScorer
	Velocity *velocity.Service

	Cache    domain.Cache
	CacheTTL time.Duration

	Narrator Narrator
	Recorder Recorder
	Bus      domain.EventBus

	TopK int
}

// Service owns the active engine and everything around a scoring call:
// caching, attribution, narrative, audit and publication.
type Service struct {
	engine atomic.Pointer[Engine]
	opts   Options
	tracer trace.Tracer
}

// NewService creates a service with no engine loaded.
func NewService(opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Builder == nil {
		opts.Builder = &Builder{Policy: opts.Policy}
	}
	return &Service{
		opts:   opts,
		tracer: otel.Tracer("clovershield/scoring"),
	}
}

// Engine returns the active engine, or nil.
func (s *Service) Engine() *Engine {
	return s.engine.Load()
}

// Swap installs e as the active engine.
func (s *Service) Swap(e *Engine) {
	s.engine.Store(e)
	metrics.SetActiveModel(e.version, domain.ModeModel)
}

// Degraded reports whether predictions currently come from the fallback.
func (s *Service) Degraded() bool {
	return s.engine.Load() == nil && s.opts.Fallback != nil
}

// Ready reports whether Predict can produce a verdict.
func (s *Service) Ready() bool {
	return s.engine.Load() != nil || s.opts.Fallback != nil
}

// Policy returns the decision thresholds.
func (s *Service) Policy() decision.Policy {
	return s.opts.Policy
}

// Activate builds an engine for a and swaps it in. The previous engine
// keeps serving until the swap.
func (s *Service) Activate(ctx context.Context, a *artifact.Artifact) (*Engine, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.activate",
		trace.WithAttributes(attribute.String("model.version", a.ModelVersion)))
	defer span.End()

	e, err := s.opts.Builder.Build(ctx, a)
	metrics.ModelActivation(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("activate %s: %w", a.ModelVersion, err)
	}
	s.Swap(e)
	return e, nil
}

// ActivateFile loads an artifact from disk and activates it.
func (s *Service) ActivateFile(ctx context.Context, path string) (*Engine, error) {
	a, err := artifact.Load(path)
	if err != nil {
		metrics.ModelActivation(err)
		return nil, err
	}
	return s.Activate(ctx, a)
}

// Info describes the active engine or the degraded mode.
func (s *Service) Info() domain.ModelInfo {
	if e := s.engine.Load(); e != nil {
		return e.Info()
	}
	info := domain.ModelInfo{
		WarnThreshold:  s.opts.Policy.Warn,
		BlockThreshold: s.opts.Policy.Block,
	}
	if s.opts.Fallback != nil {
		info.Mode = domain.ModeRuleFallback
	}
	return info
}

// Predict scores one transaction.
func (s *Service) Predict(ctx context.Context, tx *domain.Transaction, opts domain.ScoreOptions) (*domain.Prediction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scoring.predict",
		trace.WithAttributes(attribute.String("tx.type", string(tx.Type))))
	defer span.End()

	var (
		pred *domain.Prediction
		err  error
	)
	if e := s.engine.Load(); e != nil {
		pred, err = s.predictModel(ctx, e, tx, opts)
	} else if s.opts.Fallback != nil {
		pred = s.predictFallback(ctx, tx)
	} else {
		err = ErrNotReady
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pred.ID = uuid.New().String()
	pred.CreatedAt = time.Now().UTC()
	pred.LatencyMs = float64(time.Since(start).Microseconds()) / 1000

	span.SetAttributes(
		attribute.String("decision", string(pred.Decision)),
		attribute.Float64("probability", pred.Probability),
		attribute.String("mode", pred.Mode),
	)
	metrics.ObservePrediction(string(pred.Decision), pred.Mode, pred.Probability, time.Since(start))
	return pred, nil
}

func (s *Service) predictModel(ctx context.Context, e *Engine, tx *domain.Transaction, opts domain.ScoreOptions) (*domain.Prediction, error) {
	key := ""
	if s.opts.Cache != nil {
		key = predictKey(e.version, tx, opts)
		var cached domain.Prediction
		if key != "" {
			hit, err := cache.GetJSON(ctx, s.opts.Cache, key, &cached)
			if err != nil {
				slog.Warn("prediction cache read failed", "error", err)
			}
			if hit {
				metrics.CacheHit()
				return &cached, nil
			}
		}
	}

	verdict, x, err := e.Predict(tx)
	if err != nil {
		return nil, err
	}
	pred := &domain.Prediction{
		Verdict:      verdict,
		Mode:         domain.ModeModel,
		ModelVersion: e.version,
	}

	if opts.WantAttributions() || opts.IncludeNarrative {
		topK := opts.TopK
		if topK <= 0 {
			topK = s.opts.TopK
		}
		exp := e.Explain(ctx, x, topK)
		if exp.Degraded {
			metrics.ExplainDegraded()
		}
		pred.Reasons = decision.Reasons(&exp)
		if opts.IncludeNarrative {
			pred.Narrative = s.narrate(ctx, pred, exp.Attributions, opts.Language)
		}
		if opts.WantAttributions() {
			pred.Explanation = &exp
		}
	}

	if key != "" {
		if err := cache.SetJSON(ctx, s.opts.Cache, key, pred, s.opts.CacheTTL); err != nil {
			slog.Warn("prediction cache write failed", "error", err)
		}
	}
	return pred, nil
}

// predictKey hashes only what the score depends on. Identity and labels are
// cleared so resubmissions of the same transaction share an entry.
func predictKey(version string, tx *domain.Transaction, opts domain.ScoreOptions) string {
	c := *tx
	c.ID = ""
	c.IsFraud = nil
	c.IsFlaggedFraud = false
	payload, err := json.Marshal(struct {
		Tx   *domain.Transaction `json:"tx"`
		Opts domain.ScoreOptions `json:"opts"`
	}{&c, opts})
	if err != nil {
		return ""
	}
	return cache.Key("predict:"+version, payload)
}

func (s *Service) predictFallback(ctx context.Context, tx *domain.Transaction) *domain.Prediction {
	var hist *velocity.History
	if s.opts.Velocity != nil {
		h, err := s.opts.Velocity.Observe(ctx, tx.NameOrig)
		if err != nil {
			slog.Warn("sender history unavailable", "name_orig", tx.NameOrig, "error", err)
		} else {
			hist = h
		}
	}
	score, reasons := s.opts.Fallback.Score(tx, hist)
	return &domain.Prediction{
		Verdict: s.opts.Policy.Decide(score),
		Mode:    domain.ModeRuleFallback,
		Reasons: reasons,
	}
}

// narrate never fails the prediction; errors omit the narrative.
func (s *Service) narrate(ctx context.Context, pred *domain.Prediction, attrs []domain.Attribution, lang string) string {
	if s.opts.Narrator == nil {
		return ""
	}
	if lang == "" {
		lang = "en"
	}
	text, err := s.opts.Narrator.Narrate(ctx, pred, attrs, lang)
	if err != nil {
		slog.Warn("narrative generation failed", "language", lang, "error", err)
		return ""
	}
	return text
}

// PredictBatch scores transactions concurrently. Results are index-aligned
// with txs; the first failure aborts the batch.
func (s *Service) PredictBatch(ctx context.Context, txs []*domain.Transaction, opts domain.ScoreOptions) (*domain.BatchPredictResponse, error) {
	if len(txs) == 0 || len(txs) > MaxBatch {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", domain.ErrInvalidInput, MaxBatch)
	}
	start := time.Now()

	preds := make([]*domain.Prediction, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, tx := range txs {
		g.Go(func() error {
			p, err := s.Predict(gctx, tx, opts)
			if err != nil {
				return fmt.Errorf("transaction %d: %w", i, err)
			}
			preds[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &domain.BatchPredictResponse{
		Predictions: preds,
		Total:       len(preds),
		LatencyMs:   float64(time.Since(start).Microseconds()) / 1000,
	}
	for _, p := range preds {
		switch p.Decision {
		case domain.DecisionBlock:
			resp.Blocked++
		case domain.DecisionWarn:
			resp.Warned++
		}
	}
	return resp, nil
}

// Record stores the prediction in the audit trail and publishes it, plus an
// alert for any non-pass decision. Failures are logged, not returned, so a
// scored transaction is never lost to a storage outage.
func (s *Service) Record(ctx context.Context, tx *domain.Transaction, pred *domain.Prediction, traceID string) {
	rec := &domain.PredictionRecord{Prediction: *pred, Transaction: tx, TraceID: traceID}

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.SavePrediction(ctx, rec); err != nil {
			slog.Error("failed to save prediction", "prediction_id", pred.ID, "error", err)
		}
	}
	if s.opts.Bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.opts.Bus, domain.TopicPrediction, rec); err != nil {
		slog.Warn("failed to publish prediction", "prediction_id", pred.ID, "error", err)
	}
	if decision.ShouldAlert(pred.Verdict) {
		if err := bus.PublishJSON(ctx, s.opts.Bus, domain.TopicAlert, rec); err != nil {
			slog.Warn("failed to publish alert", "prediction_id", pred.ID, "error", err)
		}
	}
}
