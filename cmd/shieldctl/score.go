package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/clovershield/internal/artifact"
	"github.com/opensource-finance/clovershield/internal/dataset"
	"github.com/opensource-finance/clovershield/internal/decision"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/scoring"
)

var (
	warnFlag = &cli.FloatFlag{
		Name:  "warn",
		Usage: "Warn threshold on fraud probability",
		Value: 0.30,
	}

	blockFlag = &cli.FloatFlag{
		Name:  "block",
		Usage: "Block threshold on fraud probability",
		Value: 0.70,
	}

	txFlag = &cli.StringFlag{
		Name:  "tx",
		Usage: "JSON transaction file, or - for stdin",
		Value: "-",
	}

	topKFlag = &cli.IntFlag{
		Name:  "top-k",
		Usage: "Number of attributions to report",
		Value: 10,
	}
)

var scoreCmd = &cli.Command{
	Name:  "score",
	Usage: "Score one transaction with an artifact and explain the result",
	Flags: []cli.Flag{
		artifactFlag,
		corpusFlag,
		maxRowsFlag,
		txFlag,
		warnFlag,
		blockFlag,
		topKFlag,
	},
	Action: runScore,
}

func runScore(ctx context.Context, cmd *cli.Command) error {
	svc, err := newScoringService(ctx, cmd)
	if err != nil {
		return err
	}

	tx, err := readTransaction(cmd.String(txFlag.Name))
	if err != nil {
		return err
	}
	pred, err := svc.Predict(ctx, tx, domain.ScoreOptions{TopK: int(cmd.Int(topKFlag.Name))})
	if err != nil {
		return err
	}
	return output(cmd, pred)
}

// newScoringService activates the --artifact, re-pairing it from --corpus
// when it carries no transformer state.
func newScoringService(ctx context.Context, cmd *cli.Command) (*scoring.Service, error) {
	policy, err := decision.NewPolicy(cmd.Float(warnFlag.Name), cmd.Float(blockFlag.Name))
	if err != nil {
		return nil, err
	}
	a, err := artifact.Load(cmd.String(artifactFlag.Name))
	if err != nil {
		return nil, err
	}

	var corpus *dataset.Corpus
	if cmd.String(corpusFlag.Name) != "" {
		if corpus, err = loadCorpus(cmd); err != nil {
			return nil, err
		}
	}
	svc := scoring.NewService(scoring.Options{
		Policy: policy,
		Builder: &scoring.Builder{
			Corpus: corpus,
			Fitter: features.Fitter{PageRankLimit: 20000},
			Policy: policy,
		},
	})
	if _, err := svc.Activate(ctx, a); err != nil {
		return nil, err
	}
	return svc, nil
}

func readTransaction(path string) (*domain.Transaction, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var req domain.TransactionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return req.ToTransaction(), nil
}
