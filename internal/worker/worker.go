// Package worker scores transactions ingested through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// Scorer is the part of the scoring service the worker drives.
type Scorer interface {
	Predict(ctx context.Context, tx *domain.Transaction, opts domain.ScoreOptions) (*domain.Prediction, error)
	Record(ctx context.Context, tx *domain.Transaction, pred *domain.Prediction, traceID string)
}

// Worker consumes domain.TopicTransactionIngested. Every scored
// transaction is recorded, which publishes it on the prediction topic and,
// for non-pass decisions, the alert topic.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a stopped worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("ingest worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	err := w.processTransaction(ctx, msg)
	if err != nil {
		w.failed.Add(1)
		return err
	}
	w.processed.Add(1)
	return nil
}

func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg domain.TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if txMsg.Transaction == nil {
		return errors.New("transaction message has no transaction")
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}
	tx := txMsg.Transaction

	pred, err := w.scorer.Predict(ctx, tx, txMsg.Options)
	if err != nil {
		slog.Error("scoring failed",
			"tx_id", tx.ID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}
	w.scorer.Record(ctx, tx, pred, traceID)

	var queued time.Duration
	if !txMsg.ReceivedAt.IsZero() {
		queued = start.Sub(txMsg.ReceivedAt)
	}

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"prediction_id", pred.ID,
		"decision", pred.Decision,
		"probability", pred.Probability,
		"mode", pred.Mode,
		"queue_ms", queued.Milliseconds(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("ingest worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
