package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/domain"
)

type fakeScorer struct {
	mu       sync.Mutex
	recorded []string
	fail     error
}

func (f *fakeScorer) Predict(_ context.Context, tx *domain.Transaction, _ domain.ScoreOptions) (*domain.Prediction, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &domain.Prediction{
		ID:      "pred-" + tx.ID,
		Verdict: domain.Verdict{Probability: 0.9, Decision: domain.DecisionBlock},
		Mode:    domain.ModeModel,
	}, nil
}

func (f *fakeScorer) Record(_ context.Context, _ *domain.Transaction, pred *domain.Prediction, traceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, pred.ID+"@"+traceID)
}

func (f *fakeScorer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recorded...)
}

func publish(t *testing.T, b domain.EventBus, msg domain.TransactionMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeScorer{})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if stats.Topics[0] != domain.TopicTransactionIngested {
		t.Errorf("unexpected topic %q", stats.Topics[0])
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", got)
	}
}

func TestWorkerProcessesTransactions(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := &fakeScorer{}
	w := NewWorker(eventBus, scorer)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	publish(t, eventBus, domain.TransactionMessage{
		Transaction: &domain.Transaction{ID: "tx-1", Type: domain.TxTransfer, Amount: 500, NameOrig: "C1", NameDest: "C2"},
		TraceID:     "trace-1",
		ReceivedAt:  time.Now(),
	})
	publish(t, eventBus, domain.TransactionMessage{
		Transaction: &domain.Transaction{ID: "tx-2", Type: domain.TxTransfer, Amount: -1, NameOrig: "C1", NameDest: "C2"},
	})
	publish(t, eventBus, domain.TransactionMessage{})

	waitFor(t, func() bool {
		s := w.GetStats()
		return s.Processed == 1 && s.Failed == 2
	})

	recorded := scorer.snapshot()
	if len(recorded) != 1 || recorded[0] != "pred-tx-1@trace-1" {
		t.Errorf("unexpected recordings %v", recorded)
	}
}

func TestWorkerFallsBackToMessageID(t *testing.T) {
	scorer := &fakeScorer{}
	w := NewWorker(bus.NewChannelBus(1), scorer)

	payload, _ := json.Marshal(domain.TransactionMessage{
		Transaction: &domain.Transaction{ID: "tx-9", Type: domain.TxCashOut, Amount: 10, NameOrig: "C1", NameDest: "C2"},
	})
	err := w.handleMessage(context.Background(), &domain.Message{ID: "msg-9", Payload: payload})
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := scorer.snapshot(); len(got) != 1 || got[0] != "pred-tx-9@msg-9" {
		t.Errorf("unexpected recordings %v", got)
	}
}

func TestWorkerMalformedPayload(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), &fakeScorer{})
	if err := w.handleMessage(context.Background(), &domain.Message{ID: "m", Payload: []byte("{")}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if w.GetStats().Failed != 1 {
		t.Errorf("expected failure to be counted")
	}
}
