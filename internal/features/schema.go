// Package features fits ledger statistics and derives model feature vectors.
package features

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// SchemaVersion identifies the column layout produced by Transform. Model
// artifacts record the version they were trained against.
const SchemaVersion = "paysim-graph/v1"

// Column indices of the feature vector.
const (
	ColStep = iota
	ColAmount
	ColOldBalanceOrig
	ColNewBalanceOrig
	ColOldBalanceDest
	ColNewBalanceDest
	ColHour
	ColOrigTxnCount
	ColDestTxnCount
	ColAmtRatioToUserMean
	ColAmountLog1p
	ColAmountOverOldBalanceOrig
	ColAmtRatioToUserMedian
	ColAmtLogRatioToUserMedian
	ColInDegree
	ColOutDegree
	ColNetworkTrust
	ColIsNewOrigin
	ColIsNewDest
	ColTypeEncoded

	NumFeatures
)

var names = [NumFeatures]string{
	"step",
	"amount",
	"oldBalanceOrig",
	"newBalanceOrig",
	"oldBalanceDest",
	"newBalanceDest",
	"hour",
	"orig_txn_count",
	"dest_txn_count",
	"amt_ratio_to_user_mean",
	"amount_log1p",
	"amount_over_oldBalanceOrig",
	"amt_ratio_to_user_median",
	"amt_log_ratio_to_user_median",
	"in_degree",
	"out_degree",
	"network_trust",
	"is_new_origin",
	"is_new_dest",
	"type_encoded",
}

// Names returns the feature column names in vector order.
func Names() []string {
	return names[:]
}

// Derived reports whether name is a feature computed from fitted state
// rather than copied from the raw record.
func Derived(name string) bool {
	i := slices.Index(names[:], name)
	return i >= ColHour
}

// DerivedNames returns the names of fitted-state-derived features.
func DerivedNames() []string {
	return names[ColHour:]
}

// CheckNames verifies that got matches the transformer's column layout
// exactly, in order.
func CheckNames(got []string) error {
	if len(got) != NumFeatures {
		return fmt.Errorf("feature count %d, transformer produces %d", len(got), NumFeatures)
	}
	for i, n := range got {
		if n != names[i] {
			return fmt.Errorf("feature %d is %q, transformer produces %q", i, n, names[i])
		}
	}
	return nil
}

// typeCodes is the categorical encoding seen at training time.
var typeCodes = map[domain.TxType]float64{
	domain.TxTransfer: 0,
	domain.TxCashOut:  1,
}

// UnknownTypeCode encodes any type outside the training-time set.
const UnknownTypeCode = -1

// EncodeType maps a transaction type onto its model code.
func EncodeType(t domain.TxType) float64 {
	if c, ok := typeCodes[t]; ok {
		return c
	}
	return UnknownTypeCode
}
