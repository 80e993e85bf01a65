package domain

import (
	"fmt"
	"time"
)

// TxType is the ledger transaction type.
type TxType string

const (
	TxTransfer TxType = "TRANSFER"
	TxCashOut  TxType = "CASH_OUT"
	TxCashIn   TxType = "CASH_IN"
	TxPayment  TxType = "PAYMENT"
	TxDebit    TxType = "DEBIT"
)

// Known reports whether t is one of the ledger's transaction types.
func (t TxType) Known() bool {
	switch t {
	case TxTransfer, TxCashOut, TxCashIn, TxPayment, TxDebit:
		return true
	}
	return false
}

// Transaction is a single ledger record. It is immutable once observed.
type Transaction struct {
	ID string `json:"id,omitempty"`

	// Step is the discrete time unit (one step = one hour).
	Step int    `json:"step"`
	Type TxType `json:"type"`

	Amount float64 `json:"amount"`

	// Origin account
	NameOrig       string  `json:"nameOrig"`
	OldBalanceOrig float64 `json:"oldBalanceOrig"`
	NewBalanceOrig float64 `json:"newBalanceOrig"`

	// Destination account
	NameDest       string  `json:"nameDest"`
	OldBalanceDest float64 `json:"oldBalanceDest"`
	NewBalanceDest float64 `json:"newBalanceDest"`

	// Ground truth, present only on labelled corpora.
	IsFraud        *bool `json:"isFraud,omitempty"`
	IsFlaggedFraud bool  `json:"isFlaggedFraud,omitempty"`
}

// Fraud returns the ground-truth label and whether one is present.
func (t *Transaction) Fraud() (fraud, labelled bool) {
	if t.IsFraud == nil {
		return false, false
	}
	return *t.IsFraud, true
}

// Validate checks the semantic constraints a scoring request must satisfy.
// Every failure wraps ErrInvalidInput.
func (t *Transaction) Validate() error {
	switch {
	case !t.Type.Known():
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, t.Type)
	case t.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case t.Step < 0:
		return fmt.Errorf("%w: step must not be negative", ErrInvalidInput)
	case t.NameOrig == "" || t.NameDest == "":
		return fmt.Errorf("%w: origin and destination accounts are required", ErrInvalidInput)
	case t.NameOrig == t.NameDest:
		return fmt.Errorf("%w: origin and destination must differ", ErrInvalidInput)
	case t.OldBalanceOrig < 0 || t.NewBalanceOrig < 0 || t.OldBalanceDest < 0 || t.NewBalanceDest < 0:
		return fmt.Errorf("%w: balances must not be negative", ErrInvalidInput)
	}
	return nil
}

// TransactionRequest is the API payload for scoring a single transaction.
type TransactionRequest struct {
	Step           *int    `json:"step" validate:"omitempty,gte=0"`
	Type           string  `json:"type" validate:"required,oneof=TRANSFER CASH_OUT CASH_IN PAYMENT DEBIT"`
	Amount         float64 `json:"amount" validate:"gt=0"`
	NameOrig       string  `json:"nameOrig" validate:"required,max=64"`
	OldBalanceOrig float64 `json:"oldBalanceOrig" validate:"gte=0"`
	NewBalanceOrig float64 `json:"newBalanceOrig" validate:"gte=0"`
	NameDest       string  `json:"nameDest" validate:"required,max=64,nefield=NameOrig"`
	OldBalanceDest float64 `json:"oldBalanceDest" validate:"gte=0"`
	NewBalanceDest float64 `json:"newBalanceDest" validate:"gte=0"`
}

// ToTransaction converts a request to a Transaction. A missing step is
// treated as step 0.
func (r *TransactionRequest) ToTransaction() *Transaction {
	tx := &Transaction{
		Type:           TxType(r.Type),
		Amount:         r.Amount,
		NameOrig:       r.NameOrig,
		OldBalanceOrig: r.OldBalanceOrig,
		NewBalanceOrig: r.NewBalanceOrig,
		NameDest:       r.NameDest,
		OldBalanceDest: r.OldBalanceDest,
		NewBalanceDest: r.NewBalanceDest,
	}
	if r.Step != nil {
		tx.Step = *r.Step
	}
	return tx
}

// TransactionMessage is the bus envelope for asynchronously ingested transactions.
type TransactionMessage struct {
	Transaction *Transaction `json:"transaction"`
	Options     ScoreOptions `json:"options"`
	TraceID     string       `json:"traceId"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}
