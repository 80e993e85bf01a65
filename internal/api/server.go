package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/clovershield/internal/backtest"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/metrics"
	"github.com/opensource-finance/clovershield/internal/replay"
	"github.com/opensource-finance/clovershield/internal/scoring"
)

// Deps are the collaborators behind the HTTP API. Only Scoring is
// required; routes whose collaborator is nil answer 503.
type Deps struct {
	Scoring  *scoring.Service
	Repo     domain.Repository
	Bus      domain.EventBus
	Backtest *backtest.Evaluator
	Replay   *replay.Simulator

	BacktestConfig domain.BacktestConfig

	// ArtifactDir roots every artifact path accepted by the model registry.
	ArtifactDir string

	// KeepAlive is the interval between comments on an idle event stream.
	KeepAlive time.Duration

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	// Streams are neither rate limited nor compressed.
	router.Get("/simulation/stream", handler.SimulationStream)
	router.Get("/simulation/ws", handler.SimulationWebSocket)

	router.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		r.Use(middleware.Compress(5))

		// Scoring
		r.Post("/predict", handler.Predict)
		r.Post("/predict/batch", handler.PredictBatch)
		r.Post("/transactions", handler.IngestTransaction)
		r.Get("/predictions/{id}", handler.GetPrediction)

		// Backtesting
		r.Post("/backtest", handler.RunBacktest)
		r.Get("/backtests", handler.ListBacktests)

		// Model registry
		r.Get("/model/info", handler.ModelInfo)
		r.Get("/models", handler.ListModels)
		r.Post("/models", handler.RegisterModel)
		r.Post("/models/{id}/activate", handler.ActivateModel)

		// Replay control
		r.Get("/simulation/status", handler.SimulationStatus)
		r.Post("/simulation/start", handler.SimulationStart)
		r.Post("/simulation/stop", handler.SimulationStop)
		r.Post("/simulation/reset", handler.SimulationReset)
		r.Post("/simulation/speed", handler.SimulationSpeed)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
