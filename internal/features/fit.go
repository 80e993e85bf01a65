package features

import (
	"cmp"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/graph"
)

// MinTxnsForMedian is the history an origin needs before its own median is
// trusted over the global one.
const MinTxnsForMedian = 3

// OriginStats aggregates an origin account's fit-time history.
type OriginStats struct {
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	LogMedian float64 `json:"logMedian"`
	LastStep  int     `json:"lastStep"`
}

// FittedState is the immutable output of Fit. Nothing mutates it after
// construction, so it is shared freely between goroutines.
type FittedState struct {
	SchemaVersion string `json:"schemaVersion"`
	Rows          int    `json:"rows"`

	GlobalMean   float64 `json:"globalMean"`
	GlobalMedian float64 `json:"globalMedian"`

	Origins    map[string]OriginStats `json:"origins"`
	DestCounts map[string]int         `json:"destCounts"`

	InDegree  map[string]float64 `json:"inDegree"`
	OutDegree map[string]float64 `json:"outDegree"`
	Trust     map[string]float64 `json:"trust"`

	// TrustDegraded is set when PageRank failed and Trust is empty.
	TrustDegraded bool `json:"trustDegraded,omitempty"`
}

// Fitter builds FittedState from a training corpus.
type Fitter struct {
	// SampleSize bounds the corpus prefix used for fitting. Zero uses every row.
	SampleSize int

	// PageRankLimit caps the nodes entering PageRank; the rest get zero
	// trust. Zero disables the cap.
	PageRankLimit int

	// PageRank tunes the trust computation. Zero fields take the graph
	// package defaults.
	PageRank graph.PageRankOptions
}

// Fit derives aggregates and graph statistics. It is deterministic: equal
// input yields equal state. The corpus is not modified.
func (f Fitter) Fit(corpus []domain.Transaction) *FittedState {
	start := time.Now()

	rows := corpus
	if f.SampleSize > 0 && len(rows) > f.SampleSize {
		rows = rows[:f.SampleSize]
	}
	rows = slices.Clone(rows)
	slices.SortStableFunc(rows, func(a, b domain.Transaction) int {
		return cmp.Compare(a.Step, b.Step)
	})

	s := &FittedState{
		SchemaVersion: SchemaVersion,
		Rows:          len(rows),
		Origins:       make(map[string]OriginStats),
		DestCounts:    make(map[string]int),
		InDegree:      make(map[string]float64),
		OutDegree:     make(map[string]float64),
		Trust:         make(map[string]float64),
	}
	if len(rows) == 0 {
		return s
	}

	amounts := make([]float64, len(rows))
	byOrigin := make(map[string][]float64)
	lastStep := make(map[string]int)
	pairs := make(map[[2]string]float64)

	for i, tx := range rows {
		amounts[i] = tx.Amount
		byOrigin[tx.NameOrig] = append(byOrigin[tx.NameOrig], tx.Amount)
		lastStep[tx.NameOrig] = tx.Step
		s.DestCounts[tx.NameDest]++
		pairs[[2]string{tx.NameOrig, tx.NameDest}]++
	}

	s.GlobalMean = mean(amounts)
	s.GlobalMedian = median(amounts)

	for name, amts := range byOrigin {
		logs := make([]float64, len(amts))
		for i, a := range amts {
			logs[i] = math.Log1p(a)
		}
		s.Origins[name] = OriginStats{
			Count:     len(amts),
			Mean:      mean(amts),
			Median:    median(amts),
			LogMedian: median(logs),
			LastStep:  lastStep[name],
		}
	}

	g := graph.Build(sortedEdges(pairs))
	s.InDegree = g.InDegree()
	s.OutDegree = g.OutDegree()

	trust, err := g.TopByDegree(f.PageRankLimit).PageRank(f.PageRank)
	if err != nil {
		slog.Warn("trust scoring degraded to empty mapping",
			"nodes", g.Len(),
			"error", err,
		)
		s.TrustDegraded = true
	} else {
		s.Trust = trust
	}

	slog.Debug("fitted state built",
		"rows", s.Rows,
		"origins", len(s.Origins),
		"nodes", g.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return s
}

// sortedEdges orders pairs lexicographically so the graph's node order, and
// with it PageRank's float summation order, is reproducible.
func sortedEdges(pairs map[[2]string]float64) []graph.Edge {
	edges := make([]graph.Edge, 0, len(pairs))
	for p, w := range pairs {
		edges = append(edges, graph.Edge{From: p[0], To: p[1], Weight: w})
	}
	slices.SortFunc(edges, func(a, b graph.Edge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return edges
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
