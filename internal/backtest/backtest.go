// Package backtest measures how a candidate rule would have performed over
// recent ledger history.
//
// Predicates are written in a small query language (amount > 200000 and
// type == "TRANSFER"). They are tokenized against a whitelist, rewritten
// and compiled with CEL before any record is evaluated.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/metrics"
)

// StateSource returns the fitted state of the active engine, or nil when
// none is loaded.
type StateSource func() *features.FittedState

// Store persists backtest runs.
type Store interface {
	SaveBacktest(ctx context.Context, r *domain.BacktestResult) error
}

// Options configures an Evaluator.
type Options struct {
	Corpus *dataset.Corpus

	// State supplies the transformer for predicates over derived features.
	// When it returns nil the corpus is fitted once, lazily, with Fitter.
	State  StateSource
	Fitter features.Fitter

	Store Store

	MaxWindow int
	MaxLength int
}

// Evaluator runs predicates over the tail of a corpus.
type Evaluator struct {
	opts    Options
	rawEnv  *cel.Env
	fullEnv *cel.Env

	fitOnce sync.Once
	fitted  *features.FittedState
}

// New creates an evaluator over opts.Corpus.
func New(opts Options) (*Evaluator, error) {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}

	raw := rawVariables()
	rawEnv, err := cel.NewEnv(raw...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	full := raw
	for _, name := range features.DerivedNames() {
		full = append(full, cel.Variable(name, cel.DoubleType))
	}
	fullEnv, err := cel.NewEnv(full...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{opts: opts, rawEnv: rawEnv, fullEnv: fullEnv}, nil
}

func rawVariables() []cel.EnvOption {
	vars := []cel.EnvOption{
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("nameOrig", cel.StringType),
		cel.Variable("nameDest", cel.StringType),
	}
	seen := map[string]bool{}
	for _, name := range numberFields {
		if seen[name] {
			continue
		}
		seen[name] = true
		vars = append(vars, cel.Variable(name, cel.DoubleType))
	}
	return vars
}

// Compile validates a predicate and returns a runnable program.
func (e *Evaluator) Compile(predicate string) (cel.Program, *Compiled, error) {
	c, err := Rewrite(predicate, e.opts.MaxLength)
	if err != nil {
		return nil, nil, err
	}
	env := e.rawEnv
	if len(c.Derived) > 0 {
		env = e.fullEnv
	}

	ast, issues := env.Compile(c.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, nil, fmt.Errorf("%w: predicate must be boolean, got %s", ErrInvalidPredicate, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	return prg, c, nil
}

// Run evaluates predicate over the most recent window records. A window of
// zero or less covers the whole corpus, bounded by the configured maximum.
func (e *Evaluator) Run(ctx context.Context, predicate string, window int) (*domain.BacktestResult, error) {
	res, err := e.run(ctx, predicate, window)
	switch {
	case err == nil:
		metrics.BacktestRun("ok")
	case IsPredicateError(err):
		metrics.BacktestRun("rejected")
	default:
		metrics.BacktestRun("error")
	}
	return res, err
}

func (e *Evaluator) run(ctx context.Context, predicate string, window int) (*domain.BacktestResult, error) {
	start := time.Now()

	prg, compiled, err := e.Compile(predicate)
	if err != nil {
		return nil, err
	}

	if e.opts.Corpus.Len() == 0 {
		return nil, fmt.Errorf("%w: no corpus loaded", domain.ErrNotFound)
	}
	n := window
	if limit := e.opts.MaxWindow; limit > 0 {
		if n > limit {
			return nil, fmt.Errorf("%w: window %d exceeds maximum %d", domain.ErrInvalidInput, n, limit)
		}
		if n <= 0 {
			n = limit
		}
	}
	rows := e.opts.Corpus.Tail(n)

	var vectors [][]float64
	if len(compiled.Derived) > 0 {
		vectors, err = features.TransformAll(ctx, e.state(), rows)
		if err != nil {
			return nil, err
		}
	}

	res := &domain.BacktestResult{
		ID:           uuid.New().String(),
		Rule:         predicate,
		WindowSize:   len(rows),
		Labelled:     e.opts.Corpus.Labelled,
		UsedFeatures: len(compiled.Derived) > 0,
	}
	frauds := 0
	for i := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tx := &rows[i]
		vars := activation(tx)
		if vectors != nil {
			for _, name := range compiled.Derived {
				vars[name] = vectors[i][columnOf(name)]
			}
		}

		out, _, err := prg.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("%w: evaluation failed on record %d: %v", ErrInvalidPredicate, i, err)
		}
		match, _ := out.Value().(bool)
		fraud, labelled := tx.Fraud()
		if labelled && fraud {
			frauds++
		}
		if !match {
			continue
		}
		res.Matches++
		if labelled && fraud {
			res.TruePositives++
		}
	}
	res.FalsePositives = res.Matches - res.TruePositives

	if res.Labelled {
		if res.Matches > 0 {
			res.Precision = float64(res.TruePositives) / float64(res.Matches)
		}
		if frauds > 0 {
			res.Recall = float64(res.TruePositives) / float64(frauds)
		}
	}

	res.CreatedAt = time.Now().UTC()
	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	slog.Info("backtest completed",
		"rule", predicate,
		"window", res.WindowSize,
		"matches", res.Matches,
		"precision", res.Precision,
		"used_features", res.UsedFeatures,
		"duration_ms", res.DurationMs,
	)

	if e.opts.Store != nil {
		if err := e.opts.Store.SaveBacktest(ctx, res); err != nil {
			slog.Warn("failed to save backtest", "backtest_id", res.ID, "error", err)
		}
	}
	return res, nil
}

// state prefers the active engine's transformer so backtests see the same
// features the model scores with.
func (e *Evaluator) state() *features.FittedState {
	if e.opts.State != nil {
		if s := e.opts.State(); s != nil {
			return s
		}
	}
	e.fitOnce.Do(func() {
		slog.Info("fitting transformer for backtests", "rows", e.opts.Corpus.Len())
		e.fitted = e.opts.Fitter.Fit(e.opts.Corpus.Records)
	})
	return e.fitted
}

func activation(tx *domain.Transaction) map[string]any {
	flagged := 0.0
	if tx.IsFlaggedFraud {
		flagged = 1
	}
	return map[string]any{
		"tx_type":        string(tx.Type),
		"nameOrig":       tx.NameOrig,
		"nameDest":       tx.NameDest,
		"step":           float64(tx.Step),
		"amount":         tx.Amount,
		"oldBalanceOrig": tx.OldBalanceOrig,
		"newBalanceOrig": tx.NewBalanceOrig,
		"oldBalanceDest": tx.OldBalanceDest,
		"newBalanceDest": tx.NewBalanceDest,
		"isFlaggedFraud": flagged,
	}
}

var columns = func() map[string]int {
	m := make(map[string]int, features.NumFeatures)
	for i, n := range features.Names() {
		m[n] = i
	}
	return m
}()

func columnOf(name string) int {
	return columns[name]
}
