// CloverShield - Explainable fraud scoring for mobile-money transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/clovershield/internal/api"
	"github.com/opensource-finance/clovershield/internal/backtest"
	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/cache"
	"github.com/opensource-finance/clovershield/internal/config"
	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/explain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/narrative"
	"github.com/opensource-finance/clovershield/internal/replay"
	"github.com/opensource-finance/clovershield/internal/repository"
	"github.com/opensource-finance/clovershield/internal/scoring"
	"github.com/opensource-finance/clovershield/internal/velocity"
	"github.com/opensource-finance/clovershield/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLOVER_CONFIG"), "path to a YAML config file")
	profile := flag.String("profile", cmp.Or(os.Getenv("CLOVER_PROFILE"), config.ProfileDefault), "configuration profile: default or cluster")
	flag.Parse()

	cfg, err := config.Load(*configPath, *profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clovershield: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting clovershield",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", *profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("clovershield failed", "error", err)
		os.Exit(1)
	}
	slog.Info("clovershield shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	corpus := loadCorpus(cfg.Model.CorpusPath, cfg.Backtest.MaxRows)

	policy, err := decision.NewPolicy(cfg.Model.WarnThreshold, cfg.Model.BlockThreshold)
	if err != nil {
		return err
	}

	opts := scoring.Options{
		Policy: policy,
		Builder: &scoring.Builder{
			Corpus: corpus,
			Fitter: features.Fitter{
				SampleSize:    cfg.Model.MaxFitRows,
				PageRankLimit: cfg.Model.PageRankLimit,
			},
			Policy: policy,
			Explain: explain.Options{
				Permutations: cfg.Explain.Permutations,
				Timeout:      cfg.Explain.Timeout,
			},
			Background: cfg.Explain.Background,
		},
		Velocity: velocity.NewService(repo, cacheImpl, 0),
		Cache:    cacheImpl,
		CacheTTL: cfg.Model.CacheTTL,
		Recorder: repo,
		Bus:      busImpl,
		TopK:     cfg.Explain.TopK,
	}
	if cfg.Model.FallbackEnabled {
		opts.Fallback = &scoring.FallbackScorer{}
	}
	if cfg.Narrative.Enabled {
		client, err := narrative.New(narrative.Config{
			Endpoint:       cfg.Narrative.Endpoint,
			APIKey:         cfg.Narrative.APIKey,
			Model:          cfg.Narrative.Model,
			Timeout:        cfg.Narrative.Timeout,
			BlockThreshold: cfg.Model.BlockThreshold,
			Retries:        2,
		})
		if err != nil {
			return fmt.Errorf("initialize narrative client: %w", err)
		}
		opts.Narrator = client
		slog.Info("narrative client initialized", "model", cfg.Narrative.Model)
	}
	svc := scoring.NewService(opts)

	if _, err := svc.ActivateFile(ctx, cfg.Model.ArtifactPath); err != nil {
		if cfg.Model.Required {
			return fmt.Errorf("load model artifact: %w", err)
		}
		slog.Warn("model artifact unavailable, serving in degraded mode",
			"path", cfg.Model.ArtifactPath,
			"fallback", cfg.Model.FallbackEnabled,
			"error", err,
		)
	}

	btOpts := backtest.Options{
		Corpus: corpus,
		State: func() *features.FittedState {
			if e := svc.Engine(); e != nil {
				return e.State()
			}
			return nil
		},
		Fitter:    opts.Builder.Fitter,
		MaxWindow: cfg.Backtest.MaxWindow,
		MaxLength: cfg.Backtest.MaxPredicateLength,
	}
	if cfg.Backtest.Persist {
		btOpts.Store = repo
	}
	evaluator, err := backtest.New(btOpts)
	if err != nil {
		return fmt.Errorf("initialize backtest evaluator: %w", err)
	}

	sim := replay.New(loadReplay(cfg.Replay), replay.Options{
		BaseDelay: cfg.Replay.BaseDelay,
		Speed:     cfg.Replay.Speed,
		Bus:       busImpl,
	})
	go sim.Run(ctx)

	asyncWorker := worker.NewWorker(busImpl, svc)
	if err := asyncWorker.Start(); err != nil {
		return fmt.Errorf("start async worker: %w", err)
	}
	defer func() {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}()

	srv := api.NewServer(cfg.Server, api.Deps{
		Scoring:        svc,
		Repo:           repo,
		Bus:            busImpl,
		Backtest:       evaluator,
		Replay:         sim,
		BacktestConfig: cfg.Backtest,
		ArtifactDir:    cfg.Model.ArtifactDir,
		KeepAlive:      cfg.Replay.KeepAlive,
		Version:        Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("clovershield is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", svc.Info().Mode,
	)
	printBanner(cfg, svc.Info(), Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}

// loadCorpus reads the historical ledger, bounded by maxRows rather than the
// fitting sample so backtest windows come from the whole held ledger. A
// missing corpus only disables backtests and re-pairing, so it is not fatal.
func loadCorpus(path string, maxRows int) *dataset.Corpus {
	if path == "" {
		return nil
	}
	corpus, err := dataset.Load(path, dataset.Options{MaxRows: maxRows})
	if err != nil {
		slog.Warn("corpus unavailable", "path", path, "error", err)
		return nil
	}
	slog.Info("corpus loaded",
		"path", path,
		"rows", corpus.Len(),
		"labelled", corpus.Labelled,
		"skipped", corpus.Skipped,
	)
	return corpus
}

func loadReplay(cfg domain.ReplayConfig) []domain.Transaction {
	if cfg.DatasetPath == "" {
		return nil
	}
	ds, err := dataset.Load(cfg.DatasetPath, dataset.Options{MaxRows: cfg.MaxRows})
	if err != nil {
		slog.Warn("replay dataset unavailable", "path", cfg.DatasetPath, "error", err)
		return nil
	}
	slices.SortStableFunc(ds.Records, func(a, b domain.Transaction) int {
		return cmp.Compare(a.Step, b.Step)
	})
	slog.Info("replay dataset loaded", "path", cfg.DatasetPath, "rows", ds.Len())
	return ds.Records
}

func printBanner(cfg *domain.Config, info domain.ModelInfo, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |               CLOVERSHIELD                |")
	fmt.Println("  |     Explainable Fraud Scoring Engine      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Mode:     %s\n", cmp.Or(info.Mode, "not ready"))
	if info.ModelVersion != "" {
		fmt.Printf("  Model:    %s (%s)\n", info.ModelVersion, info.ClassifierKind)
	}
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict              - Score a transaction")
	fmt.Println("    POST /predict/batch        - Score up to 100 transactions")
	fmt.Println("    POST /transactions         - Queue a transaction for async scoring")
	fmt.Println("    GET  /predictions/{id}     - Get a stored prediction")
	fmt.Println("    POST /backtest             - Evaluate a rule over the ledger")
	fmt.Println("    GET  /model/info           - Active model details")
	fmt.Println("    POST /models/{id}/activate - Hot-swap the active model")
	fmt.Println("    GET  /simulation/stream    - Replay feed (SSE)")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
