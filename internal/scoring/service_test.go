package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/cache"
	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/explain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/model"
)

func testPolicy(t *testing.T) decision.Policy {
	t.Helper()
	p, err := decision.NewPolicy(0.30, 0.70)
	require.NoError(t, err)
	return p
}

func testCorpus() *dataset.Corpus {
	var recs []domain.Transaction
	for i := 0; i < 40; i++ {
		recs = append(recs, domain.Transaction{
			Step:           i,
			Type:           domain.TxTransfer,
			Amount:         float64(1000 + i*10),
			NameOrig:       fmt.Sprintf("C%d", i%5),
			OldBalanceOrig: 50000,
			NameDest:       fmt.Sprintf("M%d", i%3),
		})
	}
	return &dataset.Corpus{Records: recs}
}

// testArtifact scores large amounts as fraud and rewards known senders.
func testArtifact(version string, bound bool) *artifact.Artifact {
	a := &artifact.Artifact{
		Format:        artifact.Format,
		ModelVersion:  version,
		FeatureSchema: features.SchemaVersion,
		FeatureNames:  features.Names(),
		Classifier: artifact.Classifier{
			Kind: model.KindTreeEnsemble,
			Trees: []model.Tree{
				{Nodes: []model.Node{
					{Feature: features.ColAmount, Threshold: 200000, Left: 1, Right: 2, Cover: 100},
					{Leaf: true, Value: -3, Cover: 95},
					{Leaf: true, Value: 3, Cover: 5},
				}},
				{Nodes: []model.Node{
					{Feature: features.ColIsNewOrigin, Threshold: 0.5, Left: 1, Right: 2, Cover: 100},
					{Leaf: true, Value: -0.5, Cover: 90},
					{Leaf: true, Value: 0.5, Cover: 10},
				}},
			},
		},
	}
	if bound {
		a.Transformer = features.Fitter{}.Fit(testCorpus().Records)
	}
	return a
}

func bigCashOut() *domain.Transaction {
	return &domain.Transaction{
		Type:           domain.TxCashOut,
		Amount:         500000,
		NameOrig:       "C-brand-new",
		OldBalanceOrig: 500000,
		NewBalanceOrig: 0,
		NameDest:       "C-mule",
	}
}

func smallTransfer() *domain.Transaction {
	return &domain.Transaction{
		Step:           3,
		Type:           domain.TxTransfer,
		Amount:         1200,
		NameOrig:       "C1",
		OldBalanceOrig: 50000,
		NewBalanceOrig: 48800,
		NameDest:       "M1",
	}
}

func TestPredictNotReady(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t)})
	assert.False(t, s.Ready())

	_, err := s.Predict(context.Background(), smallTransfer(), domain.ScoreOptions{})
	assert.ErrorIs(t, err, ErrNotReady)

	var nilEngine *Engine
	_, _, err = nilEngine.Predict(smallTransfer())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPredictRejectsInvalidInput(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t), Fallback: &FallbackScorer{}})

	tx := smallTransfer()
	tx.NameDest = tx.NameOrig
	_, err := s.Predict(context.Background(), tx, domain.ScoreOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	tx = smallTransfer()
	tx.Amount = 0
	_, err = s.Predict(context.Background(), tx, domain.ScoreOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPredictFallbackMode(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t), Fallback: &FallbackScorer{}})
	assert.True(t, s.Ready())
	assert.True(t, s.Degraded())
	assert.Equal(t, domain.ModeRuleFallback, s.Info().Mode)

	p, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRuleFallback, p.Mode)
	assert.InDelta(t, 0.75, p.Probability, 1e-12)
	assert.Equal(t, domain.DecisionBlock, p.Decision)
	assert.NotEmpty(t, p.Reasons)
	assert.Nil(t, p.Explanation)
	assert.NotEmpty(t, p.ID)
}

func TestPredictModel(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t), Fallback: &FallbackScorer{}})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)
	assert.False(t, s.Degraded())

	p, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, domain.ModeModel, p.Mode)
	assert.Equal(t, "v1", p.ModelVersion)
	assert.InDelta(t, model.Sigmoid(3.5), p.Probability, 1e-12)
	assert.Equal(t, domain.DecisionBlock, p.Decision)
	assert.Equal(t, domain.RiskHigh, p.RiskLevel)
	assert.Equal(t, 0.9, p.Confidence)

	require.NotNil(t, p.Explanation)
	assert.Equal(t, explain.MethodTreeSHAP, p.Explanation.Method)
	require.Len(t, p.Explanation.Attributions, 3)
	assert.Equal(t, "amount", p.Explanation.Attributions[0].Feature)
	for i := 1; i < len(p.Explanation.Attributions); i++ {
		assert.GreaterOrEqual(t, p.Explanation.Attributions[i-1].AbsContribution, p.Explanation.Attributions[i].AbsContribution)
	}
	assert.NotEmpty(t, p.Reasons)

	p, err = s.Predict(context.Background(), smallTransfer(), domain.ScoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPass, p.Decision)
	assert.Equal(t, domain.RiskLow, p.RiskLevel)
}

func TestPredictWithoutAttributions(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t)})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	off := false
	p, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{IncludeAttributions: &off})
	require.NoError(t, err)
	assert.Nil(t, p.Explanation)
	assert.Empty(t, p.Reasons)
}

func TestActivateRepairsFromCorpus(t *testing.T) {
	corpus := testCorpus()
	s := NewService(Options{
		Policy: testPolicy(t),
		Builder: &Builder{
			Corpus:     corpus,
			Fitter:     features.Fitter{SampleSize: 30},
			Policy:     testPolicy(t),
			Background: 10,
		},
	})

	e, err := s.Activate(context.Background(), testArtifact("unbound", false))
	require.NoError(t, err)
	assert.Equal(t, 30, e.State().Rows)

	info := s.Info()
	assert.True(t, info.Loaded)
	assert.Equal(t, "unbound", info.ModelVersion)
	assert.Equal(t, features.SchemaVersion, info.FeatureSchema)
	assert.Equal(t, model.KindTreeEnsemble, info.ClassifierKind)
	assert.Equal(t, 30, info.FittedRows)
}

func TestActivateFailures(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t)})

	_, err := s.Activate(context.Background(), testArtifact("unbound", false))
	assert.ErrorIs(t, err, ErrNotReady, "no transformer and no corpus")

	a := testArtifact("narrow", true)
	a.Classifier = artifact.Classifier{Kind: model.KindLogistic, Weights: []float64{1, 2, 3}}
	_, err = s.Activate(context.Background(), a)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	assert.Nil(t, s.Engine(), "failed activation must not install an engine")
}

func TestNewEngineSchemaMismatch(t *testing.T) {
	state := features.Fitter{}.Fit(nil)
	state.SchemaVersion = "paysim/v0"
	clf, err := testArtifact("v", false).BuildClassifier()
	require.NoError(t, err)

	_, err = NewEngine("v", state, clf, testPolicy(t), nil)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = NewEngine("v", nil, clf, testPolicy(t), nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestHotSwapIsAtomic(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t)})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	v2, err := (&Builder{Policy: testPolicy(t)}).Build(context.Background(), testArtifact("v2", true))
	require.NoError(t, err)
	v1 := s.Engine()

	var (
		wg  sync.WaitGroup
		bad atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p, err := s.Predict(context.Background(), smallTransfer(), domain.ScoreOptions{})
				if err != nil || (p.ModelVersion != "v1" && p.ModelVersion != "v2") {
					bad.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			s.Swap(v2)
		} else {
			s.Swap(v1)
		}
	}
	wg.Wait()
	assert.Zero(t, bad.Load())
}

func TestPredictCache(t *testing.T) {
	lru := cache.NewLRUCache(100)
	s := NewService(Options{Policy: testPolicy(t), Cache: lru, CacheTTL: time.Minute})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	first, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{})
	require.NoError(t, err)
	size, _ := lru.Stats()
	assert.Equal(t, 1, size)

	second, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Probability, second.Probability)
	assert.Equal(t, first.Explanation, second.Explanation)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPredictCacheIgnoresIdentity(t *testing.T) {
	lru := cache.NewLRUCache(100)
	s := NewService(Options{Policy: testPolicy(t), Cache: lru, CacheTTL: time.Minute})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	fraud := true
	for i := 0; i < 5; i++ {
		tx := bigCashOut()
		tx.ID = fmt.Sprintf("tx-%d", i)
		if i%2 == 0 {
			tx.IsFraud = &fraud
			tx.IsFlaggedFraud = true
		}
		_, err := s.Predict(context.Background(), tx, domain.ScoreOptions{})
		require.NoError(t, err)
	}
	size, _ := lru.Stats()
	assert.Equal(t, 1, size, "identical transactions with distinct IDs share one entry")

	other := bigCashOut()
	other.ID = "tx-other"
	other.Amount++
	_, err = s.Predict(context.Background(), other, domain.ScoreOptions{})
	require.NoError(t, err)
	size, _ = lru.Stats()
	assert.Equal(t, 2, size)
}

type stubNarrator struct {
	text string
	err  error
	lang string
}

func (n *stubNarrator) Narrate(_ context.Context, _ *domain.Prediction, attrs []domain.Attribution, lang string) (string, error) {
	n.lang = lang
	return n.text, n.err
}

func TestNarrative(t *testing.T) {
	ok := &stubNarrator{text: "Large cash-out from a new sender."}
	s := NewService(Options{Policy: testPolicy(t), Narrator: ok})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	p, err := s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{IncludeNarrative: true, Language: "bn"})
	require.NoError(t, err)
	assert.Equal(t, ok.text, p.Narrative)
	assert.Equal(t, "bn", ok.lang)

	failing := &stubNarrator{err: errors.New("upstream 500")}
	s = NewService(Options{Policy: testPolicy(t), Narrator: failing})
	_, err = s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	p, err = s.Predict(context.Background(), bigCashOut(), domain.ScoreOptions{IncludeNarrative: true})
	require.NoError(t, err, "narrative failure must not fail the score")
	assert.Empty(t, p.Narrative)
	assert.Equal(t, "en", failing.lang)
}

func TestPredictBatch(t *testing.T) {
	s := NewService(Options{Policy: testPolicy(t)})
	_, err := s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	txs := []*domain.Transaction{bigCashOut(), smallTransfer(), bigCashOut()}
	resp, err := s.PredictBatch(context.Background(), txs, domain.ScoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Blocked)
	assert.Equal(t, domain.DecisionPass, resp.Predictions[1].Decision)

	_, err = s.PredictBatch(context.Background(), nil, domain.ScoreOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := smallTransfer()
	bad.Amount = -1
	_, err = s.PredictBatch(context.Background(), []*domain.Transaction{smallTransfer(), bad}, domain.ScoreOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []*domain.PredictionRecord
}

func (m *memRecorder) SavePrediction(_ context.Context, rec *domain.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRecord(t *testing.T) {
	rec := &memRecorder{}
	b := bus.NewChannelBus(16)
	defer b.Close()

	var alerts, predictions atomic.Int64
	_, err := b.Subscribe(context.Background(), domain.TopicAlert, func(context.Context, *domain.Message) error {
		alerts.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), domain.TopicPrediction, func(context.Context, *domain.Message) error {
		predictions.Add(1)
		return nil
	})
	require.NoError(t, err)

	s := NewService(Options{Policy: testPolicy(t), Recorder: rec, Bus: b})
	_, err = s.Activate(context.Background(), testArtifact("v1", true))
	require.NoError(t, err)

	for _, tx := range []*domain.Transaction{bigCashOut(), smallTransfer()} {
		p, err := s.Predict(context.Background(), tx, domain.ScoreOptions{})
		require.NoError(t, err)
		s.Record(context.Background(), tx, p, "trace-1")
	}

	require.Eventually(t, func() bool {
		return predictions.Load() == 2 && alerts.Load() == 1
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.recs, 2)
	assert.Equal(t, "trace-1", rec.recs[0].TraceID)
	assert.Equal(t, domain.TxCashOut, rec.recs[0].Transaction.Type)
}
