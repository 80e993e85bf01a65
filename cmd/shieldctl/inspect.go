package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/clovershield/internal/artifact"
)

var inspectCmd = &cli.Command{
	Name:      "inspect",
	Usage:     "Validate an artifact and describe its contents",
	ArgsUsage: "ARTIFACT",
	Action:    runInspect,
}

type inspectSummary struct {
	Format         string   `json:"format" yaml:"format"`
	ModelVersion   string   `json:"modelVersion" yaml:"modelVersion"`
	FeatureSchema  string   `json:"featureSchema" yaml:"featureSchema"`
	Features       []string `json:"features" yaml:"features"`
	ClassifierKind string   `json:"classifierKind" yaml:"classifierKind"`
	Trees          int      `json:"trees,omitempty" yaml:"trees,omitempty"`
	Threshold      float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Bound          bool     `json:"bound" yaml:"bound"`
	FittedRows     int      `json:"fittedRows,omitempty" yaml:"fittedRows,omitempty"`
	HasBackground  bool     `json:"hasBackground" yaml:"hasBackground"`
}

func runInspect(_ context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("usage: shieldctl inspect ARTIFACT")
	}
	a, err := artifact.Load(path)
	if err != nil {
		return err
	}
	clf, err := a.BuildClassifier()
	if err != nil {
		return err
	}

	s := inspectSummary{
		Format:         a.Format,
		ModelVersion:   a.ModelVersion,
		FeatureSchema:  a.FeatureSchema,
		Features:       a.FeatureNames,
		ClassifierKind: clf.Kind(),
		Trees:          len(a.Classifier.Trees),
		Threshold:      a.Threshold,
		Bound:          a.Bound(),
		HasBackground:  a.Background != nil,
	}
	if a.Transformer != nil {
		s.FittedRows = a.Transformer.Rows
	}
	return output(cmd, s)
}
