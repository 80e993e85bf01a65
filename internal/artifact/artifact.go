// Package artifact reads and writes model bundles.
//
// A bundle is a JSON document carrying a trained classifier, the feature
// schema it was trained against and, optionally, the fitted transformer
// state it must be paired with. Bundles without transformer state are
// re-paired at activation by fitting a fresh state from the corpus.
package artifact

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/opensource-finance/clovershield/internal/features"
	"github.com/opensource-finance/clovershield/internal/model"
)

// Format is the bundle format version written by this package.
const Format = "clovershield.artifact/v1"

var (
	// ErrUnsupportedFormat is returned for bundles of an unknown format.
	ErrUnsupportedFormat = errors.New("unsupported artifact format")

	// ErrSchemaMismatch is returned when a bundle's feature layout differs
	// from the transformer's.
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// Artifact is a deserialized model bundle.
type Artifact struct {
	Format        string    `json:"format"`
	ModelVersion  string    `json:"modelVersion"`
	FeatureSchema string    `json:"featureSchema"`
	FeatureNames  []string  `json:"featureNames"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`

	// Threshold is the operating point chosen at training time. It is
	// reported, not used for decisions.
	Threshold float64 `json:"threshold,omitempty"`

	Classifier Classifier `json:"classifier"`

	Transformer *features.FittedState `json:"transformer,omitempty"`

	// Background is the baseline vector for approximate attribution.
	Background []float64 `json:"background,omitempty"`
}

// Classifier is the serialized form of a model.Classifier.
type Classifier struct {
	Kind string `json:"kind"`

	// tree_ensemble
	BaseMargin float64      `json:"baseMargin,omitempty"`
	Trees      []model.Tree `json:"trees,omitempty"`

	// logistic
	Weights []float64 `json:"weights,omitempty"`
	Bias    float64   `json:"bias,omitempty"`
}

// Bound reports whether the bundle carries its own transformer state.
func (a *Artifact) Bound() bool {
	return a.Transformer != nil
}

// Validate checks format and feature schema against the transformer.
func (a *Artifact) Validate() error {
	if a.Format != Format {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, a.Format)
	}
	if a.ModelVersion == "" {
		return errors.New("artifact has no modelVersion")
	}
	if a.FeatureSchema != features.SchemaVersion {
		return fmt.Errorf("%w: artifact schema %q, transformer schema %q",
			ErrSchemaMismatch, a.FeatureSchema, features.SchemaVersion)
	}
	if err := features.CheckNames(a.FeatureNames); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if a.Transformer != nil && a.Transformer.SchemaVersion != features.SchemaVersion {
		return fmt.Errorf("%w: bundled transformer schema %q", ErrSchemaMismatch, a.Transformer.SchemaVersion)
	}
	if a.Background != nil && len(a.Background) != features.NumFeatures {
		return fmt.Errorf("%w: background has %d values", ErrSchemaMismatch, len(a.Background))
	}
	return nil
}

// BuildClassifier validates the bundle and constructs its classifier.
func (a *Artifact) BuildClassifier() (model.Classifier, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var (
		clf model.Classifier
		err error
	)
	switch a.Classifier.Kind {
	case model.KindTreeEnsemble:
		clf, err = model.NewTreeEnsemble(len(a.FeatureNames), a.Classifier.BaseMargin, a.Classifier.Trees)
	case model.KindLogistic:
		clf, err = model.NewLogistic(a.Classifier.Weights, a.Classifier.Bias)
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", a.Classifier.Kind)
	}
	if err != nil {
		return nil, err
	}
	if clf.NumFeatures() != features.NumFeatures {
		return nil, fmt.Errorf("%w: classifier expects %d features, transformer produces %d",
			ErrSchemaMismatch, clf.NumFeatures(), features.NumFeatures)
	}
	return clf, nil
}

// Load reads a bundle from path. Paths ending in .gz are decompressed.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip artifact: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	a, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return a, nil
}

// Decode parses a bundle. It does not validate it.
func Decode(r io.Reader) (*Artifact, error) {
	var a Artifact
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Save writes the bundle to path, gzip-compressed when path ends in .gz.
func (a *Artifact) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		defer func() {
			if cerr := gz.Close(); err == nil {
				err = cerr
			}
		}()
		w = gz
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}
