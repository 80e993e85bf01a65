package main

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/scoring"
)

var (
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of concurrent scorers (0 uses every CPU)",
	}

	blockOnlyFlag = &cli.BoolFlag{
		Name:  "block-only",
		Usage: "Count only block decisions as positives (default counts warn too)",
	}
)

var evaluateCmd = &cli.Command{
	Name:  "evaluate",
	Usage: "Score a labelled ledger with an artifact and report the confusion matrix",
	Flags: []cli.Flag{
		artifactFlag,
		corpusFlag,
		maxRowsFlag,
		windowFlag,
		warnFlag,
		blockFlag,
		workersFlag,
		blockOnlyFlag,
	},
	Action: runEvaluate,
}

// confusion tracks label agreement. Counters are updated atomically by
// concurrent scorers.
type confusion struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64
	Errors         atomic.Int64
}

func (c *confusion) add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.TruePositives.Add(1)
	case predicted && !actual:
		c.FalsePositives.Add(1)
	case !predicted && !actual:
		c.TrueNegatives.Add(1)
	default:
		c.FalseNegatives.Add(1)
	}
}

// Report is the evaluate output.
type Report struct {
	ModelVersion   string  `json:"modelVersion" yaml:"modelVersion"`
	Rows           int     `json:"rows" yaml:"rows"`
	Fraud          int64   `json:"fraud" yaml:"fraud"`
	TruePositives  int64   `json:"truePositives" yaml:"truePositives"`
	FalsePositives int64   `json:"falsePositives" yaml:"falsePositives"`
	TrueNegatives  int64   `json:"trueNegatives" yaml:"trueNegatives"`
	FalseNegatives int64   `json:"falseNegatives" yaml:"falseNegatives"`
	Errors         int64   `json:"errors" yaml:"errors"`
	Precision      float64 `json:"precision" yaml:"precision"`
	Recall         float64 `json:"recall" yaml:"recall"`
	F1             float64 `json:"f1" yaml:"f1"`
	Accuracy       float64 `json:"accuracy" yaml:"accuracy"`
	DurationMs     float64 `json:"durationMs" yaml:"durationMs"`
}

func (c *confusion) report() Report {
	r := Report{
		TruePositives:  c.TruePositives.Load(),
		FalsePositives: c.FalsePositives.Load(),
		TrueNegatives:  c.TrueNegatives.Load(),
		FalseNegatives: c.FalseNegatives.Load(),
		Errors:         c.Errors.Load(),
	}
	r.Fraud = r.TruePositives + r.FalseNegatives
	if d := r.TruePositives + r.FalsePositives; d > 0 {
		r.Precision = float64(r.TruePositives) / float64(d)
	}
	if r.Fraud > 0 {
		r.Recall = float64(r.TruePositives) / float64(r.Fraud)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	if total := r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives; total > 0 {
		r.Accuracy = float64(r.TruePositives+r.TrueNegatives) / float64(total)
	}
	return r
}

func runEvaluate(ctx context.Context, cmd *cli.Command) error {
	svc, err := newScoringService(ctx, cmd)
	if err != nil {
		return err
	}
	corpus, err := loadCorpus(cmd)
	if err != nil {
		return err
	}
	if !corpus.Labelled {
		return errors.New("corpus has no isFraud column")
	}
	rows := corpus.Tail(int(cmd.Int(windowFlag.Name)))

	start := time.Now()
	c := evaluate(ctx, svc.Engine(), rows, int(cmd.Int(workersFlag.Name)), cmd.Bool(blockOnlyFlag.Name))
	if err := ctx.Err(); err != nil {
		return err
	}

	r := c.report()
	r.ModelVersion = svc.Engine().Version()
	r.Rows = len(rows)
	r.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return output(cmd, r)
}

func evaluate(ctx context.Context, engine *scoring.Engine, rows []domain.Transaction, workers int, blockOnly bool) *confusion {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c := &confusion{}
	work := make(chan *domain.Transaction, 100)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				v, _, err := engine.Predict(tx)
				if err != nil {
					c.Errors.Add(1)
					slog.Debug("transaction not scored", "name_orig", tx.NameOrig, "error", err)
					continue
				}
				actual, _ := tx.Fraud()
				predicted := decision.ShouldAlert(v)
				if blockOnly {
					predicted = v.Decision == domain.DecisionBlock
				}
				c.add(predicted, actual)
			}
		}()
	}

	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		work <- &rows[i]
	}
	close(work)
	wg.Wait()
	return c
}
