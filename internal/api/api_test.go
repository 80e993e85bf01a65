package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/backtest"
	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/model"
	"github.com/opensource-finance/clovershield/internal/replay"
	"github.com/opensource-finance/clovershield/internal/repository"
	"github.com/opensource-finance/clovershield/internal/scoring"
)

func corpus() *dataset.Corpus {
	var recs []domain.Transaction
	for i := 0; i < 40; i++ {
		fraud := i%10 == 0
		recs = append(recs, domain.Transaction{
			Step:           i,
			Type:           domain.TxTransfer,
			Amount:         float64(1000 + i*10),
			NameOrig:       fmt.Sprintf("C%d", i%5),
			OldBalanceOrig: 50000,
			NameDest:       fmt.Sprintf("M%d", i%3),
			IsFraud:        &fraud,
		})
	}
	return &dataset.Corpus{Records: recs, Labelled: true}
}

func testArtifact(version string) *artifact.Artifact {
	return &artifact.Artifact{
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
		Transformer: features.Fitter{}.Fit(corpus().Records),
	}
}

type testEnv struct {
	server  *Server
	scoring *scoring.Service
	repo    *repository.SQLRepository
	bus     *bus.ChannelBus
	sim     *replay.Simulator

	artifactDir string
}

type envOptions struct {
	noEngine  bool
	fallback  bool
	rateLimit float64
	replay    []domain.Transaction
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	policy, err := decision.NewPolicy(0.30, 0.70)
	require.NoError(t, err)

	svcOpts := scoring.Options{Policy: policy, Recorder: repo, Bus: eventBus}
	if opts.fallback {
		svcOpts.Fallback = &scoring.FallbackScorer{}
	}
	svc := scoring.NewService(svcOpts)
	if !opts.noEngine {
		_, err := svc.Activate(context.Background(), testArtifact("tree-v1"))
		require.NoError(t, err)
	}

	evaluator, err := backtest.New(backtest.Options{
		Corpus: corpus(),
		State: func() *features.FittedState {
			if e := svc.Engine(); e != nil {
				return e.State()
			}
			return nil
		},
		Store:     repo,
		MaxWindow: 1000,
	})
	require.NoError(t, err)

	sim := replay.New(opts.replay, replay.Options{BaseDelay: time.Millisecond})
	artifactDir := t.TempDir()

	srv := NewServer(domain.ServerConfig{
		Host:           "localhost",
		Port:           8080,
		RateLimitRPS:   opts.rateLimit,
		RateLimitBurst: 1,
	}, Deps{
		Scoring:        svc,
		Repo:           repo,
		Bus:            eventBus,
		Backtest:       evaluator,
		Replay:         sim,
		BacktestConfig: domain.BacktestConfig{DefaultWindow: 20},
		ArtifactDir:    artifactDir,
		KeepAlive:      time.Second,
		Version:        "test-v1",
	})
	return &testEnv{server: srv, scoring: svc, repo: repo, bus: eventBus, sim: sim, artifactDir: artifactDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func cashOut(amount float64) map[string]any {
	return map[string]any{
		"step":           7,
		"type":           "CASH_OUT",
		"amount":         amount,
		"nameOrig":       "C-new",
		"oldBalanceOrig": amount,
		"newBalanceOrig": 0,
		"nameDest":       "M1",
		"oldBalanceDest": 0,
		"newBalanceDest": 0,
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthResponse
	decodeBody(t, rr, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test-v1", health.Version)
	assert.Equal(t, domain.ModeModel, health.Mode)
	assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))

	rr = env.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var ready ReadyResponse
	decodeBody(t, rr, &ready)
	assert.True(t, ready.Ready)
	assert.Equal(t, "ok", ready.Checks["repository"])
}

func TestReadyWithoutEngine(t *testing.T) {
	env := newTestEnv(t, envOptions{noEngine: true})
	rr := env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	degraded := newTestEnv(t, envOptions{noEngine: true, fallback: true})
	rr = degraded.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var ready ReadyResponse
	decodeBody(t, rr, &ready)
	assert.True(t, ready.Degraded)
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/predict", map[string]any{"transaction": cashOut(500000)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var pred domain.Prediction
	decodeBody(t, rr, &pred)
	assert.Equal(t, domain.DecisionBlock, pred.Decision)
	assert.Equal(t, domain.RiskHigh, pred.RiskLevel)
	assert.Equal(t, "tree-v1", pred.ModelVersion)
	require.NotNil(t, pred.Explanation)
	assert.Equal(t, "amount", pred.Explanation.Attributions[0].Feature)

	rr = env.do(t, http.MethodGet, "/predictions/"+pred.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rec domain.PredictionRecord
	decodeBody(t, rr, &rec)
	assert.Equal(t, pred.ID, rec.ID)
	assert.Equal(t, 500000.0, rec.Transaction.Amount)

	rr = env.do(t, http.MethodGet, "/predictions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPredictWithoutAttributions(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/predict", map[string]any{
		"transaction": cashOut(100),
		"options":     map[string]any{"includeAttributions": false},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var pred domain.Prediction
	decodeBody(t, rr, &pred)
	assert.Equal(t, domain.DecisionPass, pred.Decision)
	assert.Nil(t, pred.Explanation)
}

func TestPredictValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tx := cashOut(0)
	tx["nameDest"] = tx["nameOrig"]
	rr := env.do(t, http.MethodPost, "/predict", map[string]any{"transaction": tx})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	assert.Contains(t, resp.Fields, "transaction.amount")
	assert.Contains(t, resp.Fields, "transaction.nameDest")

	tx = cashOut(10)
	tx["type"] = "WIRE"
	rr = env.do(t, http.MethodPost, "/predict", map[string]any{"transaction": tx})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/predict", map[string]any{
		"transaction": cashOut(10),
		"options":     map[string]any{"language": "fr"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/predict", "not-json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPredictNotReady(t *testing.T) {
	env := newTestEnv(t, envOptions{noEngine: true})
	rr := env.do(t, http.MethodPost, "/predict", map[string]any{"transaction": cashOut(10)})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPredictFallback(t *testing.T) {
	env := newTestEnv(t, envOptions{noEngine: true, fallback: true})
	rr := env.do(t, http.MethodPost, "/predict", map[string]any{"transaction": cashOut(60000)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var pred domain.Prediction
	decodeBody(t, rr, &pred)
	assert.Equal(t, domain.ModeRuleFallback, pred.Mode)
	assert.NotEmpty(t, pred.Reasons)
}

func TestPredictBatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/predict/batch", map[string]any{
		"transactions": []any{cashOut(500000), cashOut(100)},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp domain.BatchPredictResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Blocked)
	assert.Equal(t, domain.DecisionPass, resp.Predictions[1].Decision)

	rr = env.do(t, http.MethodPost, "/predict/batch", map[string]any{"transactions": []any{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestTransaction(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	got := make(chan domain.TransactionMessage, 1)
	_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionIngested, func(_ context.Context, msg *domain.Message) error {
		var m domain.TransactionMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return err
		}
		got <- m
		return nil
	})
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/transactions", map[string]any{"transaction": cashOut(1200)})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp IngestResponse
	decodeBody(t, rr, &resp)
	assert.Equal(t, "accepted", resp.Status)

	select {
	case m := <-got:
		assert.Equal(t, resp.TransactionID, m.Transaction.ID)
		assert.Equal(t, 1200.0, m.Transaction.Amount)
		assert.False(t, m.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("transaction was not published")
	}
}

func TestBacktest(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/backtest", domain.BacktestRequest{Rule: "amount >= 1300 and type == 'TRANSFER'"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res domain.BacktestResult
	decodeBody(t, rr, &res)
	assert.Equal(t, 20, res.WindowSize, "default window applies")
	assert.Equal(t, 10, res.Matches)
	assert.True(t, res.Labelled)

	rr = env.do(t, http.MethodPost, "/backtest", domain.BacktestRequest{Rule: "is_new_origin == 0", Window: 40})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decodeBody(t, rr, &res)
	assert.Equal(t, 40, res.Matches)
	assert.True(t, res.UsedFeatures)

	rr = env.do(t, http.MethodPost, "/backtest", domain.BacktestRequest{Rule: "__import__('os')"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/backtest", domain.BacktestRequest{Rule: "amount > 1", Window: 5000})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/backtests?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rr, &list)
	assert.Equal(t, 2, list.Count)

	rr = env.do(t, http.MethodGet, "/backtests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestModelRegistry(t *testing.T) {
	env := newTestEnv(t, envOptions{noEngine: true})

	require.NoError(t, testArtifact("tree-v2").Save(filepath.Join(env.artifactDir, "tree-v2.json.gz")))

	rr := env.do(t, http.MethodPost, "/models", domain.RegisterModelRequest{ArtifactPath: "tree-v2.json.gz", Description: "nightly"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var rec domain.ModelRecord
	decodeBody(t, rr, &rec)
	assert.Equal(t, "tree-v2", rec.Version)
	assert.Equal(t, "tree-v2.json.gz", rec.ArtifactPath, "the registry keeps the path relative to the artifact directory")
	assert.Equal(t, domain.ModelStatusReady, rec.Status)

	rr = env.do(t, http.MethodGet, "/model/info", nil)
	var info domain.ModelInfo
	decodeBody(t, rr, &info)
	assert.False(t, info.Loaded)

	rr = env.do(t, http.MethodPost, "/models/"+rec.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decodeBody(t, rr, &info)
	assert.True(t, info.Loaded)
	assert.Equal(t, "tree-v2", info.ModelVersion)
	assert.Equal(t, model.KindTreeEnsemble, info.ClassifierKind)

	rr = env.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Models []domain.ModelRecord `json:"models"`
	}
	decodeBody(t, rr, &list)
	require.Len(t, list.Models, 1)
	assert.Equal(t, domain.ModelStatusActive, list.Models[0].Status)

	rr = env.do(t, http.MethodPost, "/models/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/models", domain.RegisterModelRequest{ArtifactPath: "none.json"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotContains(t, rr.Body.String(), "none.json")
	assert.NotContains(t, rr.Body.String(), "no such file")
}

func TestRegisterModelConfinedToArtifactDir(t *testing.T) {
	env := newTestEnv(t, envOptions{noEngine: true})

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.json")
	require.NoError(t, testArtifact("outside").Save(secret))
	rel, err := filepath.Rel(env.artifactDir, secret)
	require.NoError(t, err)

	for _, p := range []string{secret, rel, "../secret.json", "/etc/passwd", ""} {
		rr := env.do(t, http.MethodPost, "/models", map[string]string{"artifactPath": p})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "path %q", p)
		assert.NotContains(t, rr.Body.String(), "no such file", "path %q", p)
	}

	models, err := env.repo.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestRegisterModelRejectsSchemaMismatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	a := testArtifact("bad")
	a.FeatureSchema = "paysim-graph/v0"
	require.NoError(t, a.Save(filepath.Join(env.artifactDir, "bad.json")))

	rr := env.do(t, http.MethodPost, "/models", domain.RegisterModelRequest{ArtifactPath: "bad.json"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSimulationControl(t *testing.T) {
	empty := newTestEnv(t, envOptions{})
	rr := empty.do(t, http.MethodPost, "/simulation/start", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	env := newTestEnv(t, envOptions{replay: corpus().Records[:3]})

	rr = env.do(t, http.MethodPost, "/simulation/speed", SpeedRequest{Speed: 50})
	require.Equal(t, http.StatusOK, rr.Code)
	var st replay.Status
	decodeBody(t, rr, &st)
	assert.Equal(t, replay.MaxSpeed, st.Speed)

	rr = env.do(t, http.MethodPost, "/simulation/speed", map[string]any{"speed": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/simulation/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &st)
	assert.Equal(t, replay.StateRunning, st.State)
	assert.Equal(t, 3, st.Total)

	rr = env.do(t, http.MethodPost, "/simulation/reset", nil)
	decodeBody(t, rr, &st)
	assert.Equal(t, replay.StateStopped, st.State)
	assert.Zero(t, st.Cursor)

	rr = env.do(t, http.MethodGet, "/simulation/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSimulationStream(t *testing.T) {
	env := newTestEnv(t, envOptions{replay: corpus().Records[:3]})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sim.Run(ctx)

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/simulation/stream?score=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForSubscriber(t, env.sim)
	_, err = env.sim.Start()
	require.NoError(t, err)

	var events []replay.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev replay.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
		if ev.Event == replay.EventFinished {
			break
		}
	}

	require.Len(t, events, 4)
	for i, ev := range events[:3] {
		assert.Equal(t, i, ev.Index)
		require.NotNil(t, ev.Prediction, "score=true attaches predictions")
		assert.Equal(t, domain.DecisionPass, ev.Prediction.Decision)
	}
	assert.Equal(t, replay.EventFinished, events[3].Event)
}

func TestSimulationWebSocket(t *testing.T) {
	env := newTestEnv(t, envOptions{replay: corpus().Records[:2]})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.sim.Run(ctx)

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/simulation/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForSubscriber(t, env.sim)
	_, err = env.sim.Start()
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var kinds []string
	for {
		var ev replay.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		kinds = append(kinds, ev.Event)
		if ev.Event == replay.EventFinished {
			break
		}
	}
	assert.Equal(t, []string{replay.EventTransaction, replay.EventTransaction, replay.EventFinished}, kinds)
}

func waitForSubscriber(t *testing.T, sim *replay.Simulator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sim.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 0.001})

	rr := env.do(t, http.MethodGet, "/model/info", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "/model/info", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "health checks are not rate limited")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodGet, "/health", nil)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clovershield_api_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://dashboard.local", rr.Header().Get("Access-Control-Allow-Origin"))
}
