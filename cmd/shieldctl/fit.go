package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/features"
)

var (
	outFlag = &cli.StringFlag{
		Name:     "out",
		Usage:    "Where to write the bound artifact (.gz compresses)",
		Required: true,
	}

	sampleSizeFlag = &cli.IntFlag{
		Name:  "sample-size",
		Usage: "Fit on at most this many leading corpus rows (0 uses all)",
	}

	pageRankLimitFlag = &cli.IntFlag{
		Name:  "pagerank-limit",
		Usage: "Cap the accounts entering PageRank (0 disables the cap)",
		Value: 20000,
	}

	backgroundFlag = &cli.IntFlag{
		Name:  "background",
		Usage: "Trailing corpus rows averaged into the attribution baseline (0 skips it)",
		Value: 100,
	}
)

var fitCmd = &cli.Command{
	Name:  "fit",
	Usage: "Fit transformer state from a corpus and bind it into an artifact",
	Flags: []cli.Flag{
		artifactFlag,
		corpusFlag,
		maxRowsFlag,
		outFlag,
		sampleSizeFlag,
		pageRankLimitFlag,
		backgroundFlag,
	},
	Action: runFit,
}

// fitSummary is printed after a successful fit.
type fitSummary struct {
	ModelVersion  string  `json:"modelVersion" yaml:"modelVersion"`
	Out           string  `json:"out" yaml:"out"`
	Rows          int     `json:"rows" yaml:"rows"`
	Origins       int     `json:"origins" yaml:"origins"`
	Destinations  int     `json:"destinations" yaml:"destinations"`
	TrustDegraded bool    `json:"trustDegraded" yaml:"trustDegraded"`
	DurationMs    float64 `json:"durationMs" yaml:"durationMs"`
}

func runFit(ctx context.Context, cmd *cli.Command) error {
	a, err := artifact.Load(cmd.String(artifactFlag.Name))
	if err != nil {
		return err
	}
	if _, err := a.BuildClassifier(); err != nil {
		return err
	}
	corpus, err := loadCorpus(cmd)
	if err != nil {
		return err
	}
	if corpus.Len() == 0 {
		return fmt.Errorf("corpus %s has no valid rows", cmd.String(corpusFlag.Name))
	}

	start := time.Now()
	fitter := features.Fitter{
		SampleSize:    int(cmd.Int(sampleSizeFlag.Name)),
		PageRankLimit: int(cmd.Int(pageRankLimitFlag.Name)),
	}
	state := fitter.Fit(corpus.Records)
	if state.TrustDegraded {
		slog.Warn("pagerank did not converge or was capped; trust scores are partial")
	}
	a.Transformer = state

	if n := int(cmd.Int(backgroundFlag.Name)); n > 0 {
		rows, err := features.TransformAll(ctx, state, corpus.Tail(n))
		if err != nil {
			return err
		}
		a.Background = features.Mean(rows)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	out := cmd.String(outFlag.Name)
	if err := a.Save(out); err != nil {
		return err
	}
	return output(cmd, fitSummary{
		ModelVersion:  a.ModelVersion,
		Out:           out,
		Rows:          state.Rows,
		Origins:       len(state.Origins),
		Destinations:  len(state.DestCounts),
		TrustDegraded: state.TrustDegraded,
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000,
	})
}
