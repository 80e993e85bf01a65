// Package velocity tracks per-sender history for the fallback scorer.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// DefaultWindow is the counting window for recent sender activity.
const DefaultWindow = time.Hour

// StatsSource supplies the stored history of an origin account.
type StatsSource interface {
	SenderStats(ctx context.Context, nameOrig string) (*domain.SenderStats, error)
}

// History is a sender's activity as seen by the scoring service.
type History struct {
	NameOrig string

	// Count and MeanAmount cover every stored prediction for the sender.
	Count      int
	MeanAmount float64

	// Recent counts transactions observed inside the window, including the
	// one being scored.
	Recent int64
}

// Service combines the audit trail with a windowed counter.
type Service struct {
	stats  StatsSource
	cache  domain.Cache
	window time.Duration
}

// NewService creates a velocity service. Either source may be nil.
func NewService(stats StatsSource, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{stats: stats, cache: cache, window: window}
}

// Observe records one transaction from nameOrig and returns its history.
func (s *Service) Observe(ctx context.Context, nameOrig string) (*History, error) {
	if nameOrig == "" {
		return nil, fmt.Errorf("%w: nameOrig is required", domain.ErrInvalidInput)
	}

	h := &History{NameOrig: nameOrig}
	if s.stats != nil {
		st, err := s.stats.SenderStats(ctx, nameOrig)
		if err != nil {
			return nil, fmt.Errorf("failed to load sender stats: %w", err)
		}
		h.Count = st.Count
		h.MeanAmount = st.MeanAmount
	}
	if s.cache != nil {
		n, err := s.cache.IncrementCounter(ctx, "velocity:"+nameOrig, s.window)
		if err != nil {
			return nil, fmt.Errorf("failed to increment velocity counter: %w", err)
		}
		h.Recent = n
	}
	return h, nil
}
