// Command shieldctl works with CloverShield model artifacts and ledgers
// offline: fitting transformer state, inspecting bundles, scoring single
// transactions, backtesting rules and evaluating a model against labels.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/clovershield/internal/dataset"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	version = "dev"
	commit  = "none"

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs",
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}

	corpusFlag = &cli.StringFlag{
		Name:  "corpus",
		Usage: "Path to a PaySim-schema CSV ledger (.csv or .csv.gz)",
	}

	maxRowsFlag = &cli.IntFlag{
		Name:  "max-rows",
		Usage: "Read at most this many valid corpus rows (0 reads all)",
	}

	artifactFlag = &cli.StringFlag{
		Name:  "artifact",
		Usage: "Path to a model artifact (.json or .json.gz)",
	}
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "shieldctl",
		Usage:   "Offline tooling for CloverShield models and ledgers",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			debugFlag,
			formatFlag,
		},
		Commands: []*cli.Command{
			fitCmd,
			inspectCmd,
			scoreCmd,
			backtestCmd,
			evaluateCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			initLogging(cmd.Bool(debugFlag.Name))
			switch cmd.String(formatFlag.Name) {
			case formatJSON, formatYAML, "yml":
			default:
				return ctx, fmt.Errorf("unsupported format %q", cmd.String(formatFlag.Name))
			}
			return ctx, nil
		},
	}
}

func initLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadCorpus(cmd *cli.Command) (*dataset.Corpus, error) {
	path := cmd.String(corpusFlag.Name)
	if path == "" {
		return nil, fmt.Errorf("--%s is required", corpusFlag.Name)
	}
	corpus, err := dataset.Load(path, dataset.Options{MaxRows: int(cmd.Int(maxRowsFlag.Name))})
	if err != nil {
		return nil, err
	}
	slog.Debug("corpus loaded", "path", path, "rows", corpus.Len(), "skipped", corpus.Skipped)
	return corpus, nil
}

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML || format == "yml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

func output(cmd *cli.Command, v any) error {
	return encode(cmd.Root().Writer, cmd.String(formatFlag.Name), v)
}
