package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/domain"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	deps     Deps
	validate *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 15 * time.Second
	}
	return &Handler{deps: deps, validate: newValidator()}
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.deps.Version,
		Mode:    h.deps.Scoring.Info().Mode,
	})
}

// ReadyResponse is the response for GET /ready.
type ReadyResponse struct {
	Ready    bool              `json:"ready"`
	Degraded bool              `json:"degraded"`
	Checks   map[string]string `json:"checks"`
}

// Ready handles GET /ready. A service scoring on the fallback is ready but
// reported as degraded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{Ready: true, Checks: map[string]string{}}
	check := func(name string, err error) {
		if err != nil {
			resp.Ready = false
			resp.Checks[name] = err.Error()
			return
		}
		resp.Checks[name] = "ok"
	}

	switch {
	case h.deps.Scoring.Engine() != nil:
		resp.Checks["engine"] = "ok"
	case h.deps.Scoring.Degraded():
		resp.Degraded = true
		resp.Checks["engine"] = "degraded: rule fallback"
	default:
		check("engine", fmt.Errorf("no model loaded"))
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping(ctx))
	}
	if h.deps.Bus != nil {
		check("bus", h.deps.Bus.Ping(ctx))
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Predict handles POST /predict.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req domain.PredictRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	tx := req.Transaction.ToTransaction()
	tx.ID = uuid.New().String()

	pred, err := h.deps.Scoring.Predict(ctx, tx, req.Options)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.deps.Scoring.Record(ctx, tx, pred, GetTraceID(ctx))

	writeJSON(w, http.StatusOK, pred)
}

// PredictBatch handles POST /predict/batch.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchPredictRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	txs := make([]*domain.Transaction, len(req.Transactions))
	for i := range req.Transactions {
		txs[i] = req.Transactions[i].ToTransaction()
		txs[i].ID = uuid.New().String()
	}

	resp, err := h.deps.Scoring.PredictBatch(ctx, txs, req.Options)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traceID := GetTraceID(ctx)
	for i, p := range resp.Predictions {
		h.deps.Scoring.Record(ctx, txs[i], p, traceID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// IngestResponse is the response for POST /transactions.
type IngestResponse struct {
	TransactionID string `json:"transactionId"`
	TraceID       string `json:"traceId"`
	Status        string `json:"status"`
}

// IngestTransaction handles POST /transactions. The transaction is
// validated, published to the ingest topic and scored by the worker.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous ingest is not configured")
		return
	}
	var req domain.PredictRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	tx := req.Transaction.ToTransaction()
	if err := tx.Validate(); err != nil {
		writeServiceError(w, r, err)
		return
	}
	tx.ID = uuid.New().String()
	traceID := GetTraceID(ctx)

	msg := domain.TransactionMessage{
		Transaction: tx,
		Options:     req.Options,
		TraceID:     traceID,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := bus.PublishJSON(ctx, h.deps.Bus, domain.TopicTransactionIngested, msg); err != nil {
		writeServiceError(w, r, fmt.Errorf("publish transaction: %w", err))
		return
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{
		TransactionID: tx.ID,
		TraceID:       traceID,
		Status:        "accepted",
	})
}

// GetPrediction handles GET /predictions/{id}.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	rec, err := h.deps.Repo.GetPrediction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RunBacktest handles POST /backtest. An omitted window uses the
// configured default.
func (h *Handler) RunBacktest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backtest == nil {
		writeError(w, http.StatusServiceUnavailable, "no backtest corpus loaded")
		return
	}
	var req domain.BacktestRequest
	if !h.decode(w, r, &req) {
		return
	}
	window := req.Window
	if window == 0 {
		window = h.deps.BacktestConfig.DefaultWindow
	}

	res, err := h.deps.Backtest.Run(r.Context(), req.Rule, window)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListBacktests handles GET /backtests?limit=N.
func (h *Handler) ListBacktests(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.deps.Repo.ListBacktests(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backtests": runs,
		"count":     len(runs),
	})
}

// ModelInfo handles GET /model/info.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scoring.Info())
}

// ListModels handles GET /models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	models, err := h.deps.Repo.ListModels(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// RegisterModel handles POST /models. The artifact is read and validated
// before it is registered; it is not activated.
func (h *Handler) RegisterModel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	var req domain.RegisterModelRequest
	if !h.decode(w, r, &req) {
		return
	}

	path, err := h.resolveArtifact(req.ArtifactPath)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a, err := artifact.Load(path)
	if err != nil {
		slog.Warn("artifact registration failed", "path", path, "error", err)
		writeError(w, http.StatusBadRequest, "artifact could not be loaded")
		return
	}
	if _, err := a.BuildClassifier(); err != nil {
		writeError(w, statusFor(err), fmt.Sprintf("invalid artifact: %v", err))
		return
	}

	rec := &domain.ModelRecord{
		ID:           uuid.New().String(),
		Version:      a.ModelVersion,
		ArtifactPath: req.ArtifactPath,
		Status:       domain.ModelStatusReady,
		Description:  req.Description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.deps.Repo.SaveModel(r.Context(), rec); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// resolveArtifact confines a registry path to the artifact directory.
// Absolute paths and paths climbing out with ".." are rejected.
func (h *Handler) resolveArtifact(p string) (string, error) {
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: artifactPath must be relative to the artifact directory", domain.ErrInvalidInput)
	}
	return filepath.Join(h.deps.ArtifactDir, p), nil
}

// ActivateModel handles POST /models/{id}/activate. The engine swap happens
// before the registry is updated; a registry failure leaves the new engine
// serving and is reported.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}
	ctx := r.Context()

	rec, err := h.deps.Repo.GetModel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	path, err := h.resolveArtifact(rec.ArtifactPath)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	engine, err := h.deps.Scoring.ActivateFile(ctx, path)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.deps.Repo.ActivateModel(ctx, rec.ID, engine.Info().ActivatedAt); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Info())
}
