package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/clovershield/internal/backtest"
	"github.com/opensource-finance/clovershield/internal/features"
)

var (
	ruleFlag = &cli.StringFlag{
		Name:     "rule",
		Usage:    `Boolean rule, e.g. "amount > 200000 and type == 'TRANSFER'"`,
		Required: true,
	}

	windowFlag = &cli.IntFlag{
		Name:  "window",
		Usage: "Evaluate over the most recent N rows (0 uses the whole corpus)",
	}
)

var backtestCmd = &cli.Command{
	Name:  "backtest",
	Usage: "Evaluate a rule over the tail of a labelled ledger",
	Flags: []cli.Flag{
		corpusFlag,
		maxRowsFlag,
		ruleFlag,
		windowFlag,
		pageRankLimitFlag,
	},
	Action: runBacktest,
}

func runBacktest(ctx context.Context, cmd *cli.Command) error {
	corpus, err := loadCorpus(cmd)
	if err != nil {
		return err
	}
	ev, err := backtest.New(backtest.Options{
		Corpus: corpus,
		Fitter: features.Fitter{PageRankLimit: int(cmd.Int(pageRankLimitFlag.Name))},
	})
	if err != nil {
		return err
	}
	res, err := ev.Run(ctx, cmd.String(ruleFlag.Name), int(cmd.Int(windowFlag.Name)))
	if err != nil {
		return err
	}
	return output(cmd, res)
}
