package velocity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/clovershield/internal/cache"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/repository"
)

func TestVelocityService(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "velocity-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache, time.Hour)
	ctx := context.Background()

	t.Run("UnknownSender", func(t *testing.T) {
		h, err := svc.Observe(ctx, "C-new")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Count != 0 || h.MeanAmount != 0 {
			t.Errorf("expected empty history, got %+v", h)
		}
		if h.Recent != 1 {
			t.Errorf("expected recent count 1, got %d", h.Recent)
		}
	})

	t.Run("WithPredictions", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			rec := &domain.PredictionRecord{
				Prediction: domain.Prediction{
					ID:        fmt.Sprintf("p-%d", i),
					Verdict:   domain.Verdict{Decision: domain.DecisionPass, RiskLevel: domain.RiskLow},
					Mode:      domain.ModeModel,
					CreatedAt: time.Now().UTC(),
				},
				Transaction: &domain.Transaction{
					Type:     domain.TxTransfer,
					Amount:   float64(100 * (i + 1)),
					NameOrig: "C-seen",
					NameDest: "C-dest",
				},
			}
			if err := repo.SavePrediction(ctx, rec); err != nil {
				t.Fatalf("failed to save prediction: %v", err)
			}
		}

		h, err := svc.Observe(ctx, "C-seen")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Count != 4 {
			t.Errorf("expected count 4, got %d", h.Count)
		}
		if h.MeanAmount != 250 {
			t.Errorf("expected mean 250, got %v", h.MeanAmount)
		}
	})

	t.Run("RecentAccumulates", func(t *testing.T) {
		var last int64
		for i := 0; i < 3; i++ {
			h, err := svc.Observe(ctx, "C-burst")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			last = h.Recent
		}
		if last != 3 {
			t.Errorf("expected recent count 3, got %d", last)
		}
	})

	t.Run("RequiresSender", func(t *testing.T) {
		if _, err := svc.Observe(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestVelocityWithoutSources(t *testing.T) {
	svc := NewService(nil, nil, 0)
	h, err := svc.Observe(context.Background(), "C1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Count != 0 || h.Recent != 0 {
		t.Errorf("expected zero history, got %+v", h)
	}
	if svc.window != DefaultWindow {
		t.Errorf("expected default window, got %v", svc.window)
	}
}
