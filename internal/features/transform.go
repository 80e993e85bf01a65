package features

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// Transform derives the feature vector for tx. It never mutates s; accounts
// absent at fit time fall back to global statistics and zero graph metrics.
func Transform(s *FittedState, tx *domain.Transaction) []float64 {
	v := make([]float64, NumFeatures)
	TransformInto(s, tx, v)
	return v
}

// TransformInto writes the feature vector for tx into dst, which must have
// length NumFeatures.
func TransformInto(s *FittedState, tx *domain.Transaction, dst []float64) {
	_ = dst[NumFeatures-1]

	dst[ColStep] = float64(tx.Step)
	dst[ColAmount] = tx.Amount
	dst[ColOldBalanceOrig] = tx.OldBalanceOrig
	dst[ColNewBalanceOrig] = tx.NewBalanceOrig
	dst[ColOldBalanceDest] = tx.OldBalanceDest
	dst[ColNewBalanceDest] = tx.NewBalanceDest

	dst[ColHour] = float64(tx.Step % 24)

	origin, seen := s.Origins[tx.NameOrig]
	destCount := s.DestCounts[tx.NameDest]
	dst[ColOrigTxnCount] = float64(origin.Count)
	dst[ColDestTxnCount] = float64(destCount)

	userMean := s.GlobalMean
	userLogMedian := math.Log1p(s.GlobalMedian)
	if seen {
		userMean = origin.Mean
		userLogMedian = origin.LogMedian
	}
	userMedian := s.GlobalMedian
	if origin.Count >= MinTxnsForMedian {
		userMedian = origin.Median
	}

	balance := tx.OldBalanceOrig
	if balance == 0 {
		balance = 1.0
	}

	amountLog := math.Log1p(tx.Amount)
	dst[ColAmtRatioToUserMean] = tx.Amount / (userMean + 1.0)
	dst[ColAmountLog1p] = amountLog
	dst[ColAmountOverOldBalanceOrig] = tx.Amount / balance
	dst[ColAmtRatioToUserMedian] = tx.Amount / (userMedian + 1.0)
	dst[ColAmtLogRatioToUserMedian] = amountLog / (userLogMedian + 1e-6)

	dst[ColInDegree] = s.InDegree[tx.NameDest]
	dst[ColOutDegree] = s.OutDegree[tx.NameOrig]
	dst[ColNetworkTrust] = s.Trust[tx.NameOrig]

	dst[ColIsNewOrigin] = indicator(origin.Count == 0)
	dst[ColIsNewDest] = indicator(destCount == 0)
	dst[ColTypeEncoded] = EncodeType(tx.Type)
}

// TransformAll derives vectors for a batch of records, splitting the work
// across CPUs. The result is index-aligned with txs.
func TransformAll(ctx context.Context, s *FittedState, txs []domain.Transaction) ([][]float64, error) {
	out := make([][]float64, len(txs))
	backing := make([]float64, len(txs)*NumFeatures)

	workers := runtime.GOMAXPROCS(0)
	chunk := (len(txs) + workers - 1) / max(workers, 1)
	if chunk < 256 {
		chunk = 256
	}

	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(txs); lo += chunk {
		hi := min(lo+chunk, len(txs))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				row := backing[i*NumFeatures : (i+1)*NumFeatures : (i+1)*NumFeatures]
				TransformInto(s, &txs[i], row)
				out[i] = row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AsMap keys a feature vector by column name.
func AsMap(v []float64) map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, n := range names {
		m[n] = v[i]
	}
	return m
}

// Mean averages vectors column-wise. It returns a zero vector for no input.
func Mean(vs [][]float64) []float64 {
	m := make([]float64, NumFeatures)
	if len(vs) == 0 {
		return m
	}
	for _, v := range vs {
		for i, x := range v {
			m[i] += x
		}
	}
	for i := range m {
		m[i] /= float64(len(vs))
	}
	return m
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
