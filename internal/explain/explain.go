// Package explain attributes a classifier's output to its input features.
//
// Classifiers that implement model.ExactAttributor are explained with exact
// TreeSHAP values. Every other classifier gets Monte Carlo permutation
// Shapley values against a baseline vector. Both run in log-odds space, so
// attributions from the two methods are comparable.
//
// Explanation never fails: any error yields an all-zero attribution list
// marked Degraded.
package explain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/model"
)

// Attribution methods reported in domain.Explanation.Method.
const (
	MethodTreeSHAP    = "tree_shap"
	MethodPermutation = "permutation_shapley"
)

// DefaultTopK is used when a caller passes a non-positive topK.
const DefaultTopK = 10

// Options tunes the approximate method. The exact method ignores them.
type Options struct {
	Permutations int
	Timeout      time.Duration
	Seed         uint64
}

// Module explains predictions for one classifier. It is immutable and safe
// for concurrent use.
type Module struct {
	names    []string
	clf      model.Classifier
	exact    model.ExactAttributor
	baseline []float64
	opts     Options
}

// New picks the attribution method from the classifier's capabilities.
// baseline may be nil, in which case the zero vector is used.
func New(clf model.Classifier, names []string, baseline []float64, opts Options) *Module {
	if opts.Permutations <= 0 {
		opts.Permutations = 32
	}
	if baseline == nil {
		baseline = make([]float64, clf.NumFeatures())
	}
	m := &Module{
		names:    names,
		clf:      clf,
		baseline: baseline,
		opts:     opts,
	}
	if ex, ok := clf.(model.ExactAttributor); ok {
		m.exact = ex
	}
	return m
}

// Method reports the attribution method in use.
func (m *Module) Method() string {
	if m.exact != nil {
		return MethodTreeSHAP
	}
	return MethodPermutation
}

// Explain returns the topK attributions for x, ranked by descending
// absolute contribution. Ties keep feature order.
func (m *Module) Explain(ctx context.Context, x []float64, topK int) domain.Explanation {
	phi, err := m.attribute(ctx, x)
	degraded := false
	if err != nil {
		slog.Warn("attribution failed, returning zero attributions",
			"method", m.Method(),
			"error", err,
		)
		phi = make([]float64, len(m.names))
		degraded = true
	}
	return domain.Explanation{
		Method:       m.Method(),
		Attributions: Rank(m.names, x, phi, topK),
		Degraded:     degraded,
	}
}

func (m *Module) attribute(ctx context.Context, x []float64) (phi []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attribution panic: %v", r)
		}
	}()

	if len(x) != len(m.names) {
		return nil, fmt.Errorf("%w: got %d values for %d names", model.ErrFeatureCount, len(x), len(m.names))
	}
	if m.exact != nil {
		return m.exact.Attribute(x)
	}
	return m.permutation(ctx, x)
}

// permutation estimates Shapley values by averaging marginal contributions
// over random feature orderings. The generator is reseeded per call so equal
// input gives equal output.
func (m *Module) permutation(ctx context.Context, x []float64) ([]float64, error) {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	n := len(x)
	if len(m.baseline) != n {
		return nil, fmt.Errorf("%w: baseline has %d values", model.ErrFeatureCount, len(m.baseline))
	}

	rng := rand.New(rand.NewPCG(m.opts.Seed, uint64(n)))
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	phi := make([]float64, n)
	z := make([]float64, n)
	done := 0
	for ; done < m.opts.Permutations; done++ {
		if ctx.Err() != nil {
			break
		}
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		copy(z, m.baseline)
		prev, err := m.margin(z)
		if err != nil {
			return nil, err
		}
		for _, j := range perm {
			z[j] = x[j]
			cur, err := m.margin(z)
			if err != nil {
				return nil, err
			}
			phi[j] += cur - prev
			prev = cur
		}
	}
	if done == 0 {
		return nil, fmt.Errorf("no permutation completed: %w", context.Cause(ctx))
	}

	for j := range phi {
		phi[j] /= float64(done)
		if math.IsNaN(phi[j]) || math.IsInf(phi[j], 0) {
			return nil, errors.New("attribution is not finite")
		}
	}
	return phi, nil
}

// margin is the classifier output in log-odds.
func (m *Module) margin(x []float64) (float64, error) {
	p, err := m.clf.PredictProba(x)
	if err != nil {
		return 0, err
	}
	const eps = 1e-12
	p = min(max(p, eps), 1-eps)
	return math.Log(p / (1 - p)), nil
}

// Rank builds attributions for every feature, orders them by descending
// absolute contribution and truncates to topK.
func Rank(names []string, x, phi []float64, topK int) []domain.Attribution {
	attrs := make([]domain.Attribution, len(names))
	for i, name := range names {
		attrs[i] = domain.Attribution{
			Feature:         name,
			Contribution:    phi[i],
			AbsContribution: math.Abs(phi[i]),
		}
		if i < len(x) {
			attrs[i].Value = x[i]
		}
	}
	slices.SortStableFunc(attrs, func(a, b domain.Attribution) int {
		return cmp.Compare(b.AbsContribution, a.AbsContribution)
	})

	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK < len(attrs) {
		attrs = attrs[:topK]
	}
	return attrs
}
