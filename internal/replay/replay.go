// Package replay streams a historical ledger in step order at an
// adjustable pace.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/clovershield/internal/bus"
	"github.com/opensource-finance/clovershield/internal/domain"
	"github.com/opensource-finance/clovershield/internal/metrics"
)

// ErrNoDataset is returned by Start when there is nothing to replay.
var ErrNoDataset = errors.New("no replay dataset loaded")

// Simulator states.
const (
	StateStopped = "stopped"
	StateRunning = "running"
)

// Event kinds.
const (
	EventTransaction = "transaction"
	EventFinished    = "finished"
)

// Speed bounds. Speed multiplies the emission rate.
const (
	MinSpeed = 0.1
	MaxSpeed = 10.0

	DefaultBaseDelay = 2 * time.Second
)

// Event is one item of the replay stream.
type Event struct {
	Event       string              `json:"event"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Index       int                 `json:"index"`
	Total       int                 `json:"total"`
	Prediction  *domain.Prediction  `json:"prediction,omitempty"`
}

// Status is a snapshot of the simulator.
type Status struct {
	State   string  `json:"state"`
	Cursor  int     `json:"cursor"`
	Total   int     `json:"total"`
	Speed   float64 `json:"speed"`
	DelayMs int64   `json:"delayMs"`
}

// Options configures a Simulator.
type Options struct {
	BaseDelay time.Duration
	Speed     float64

	// Bus receives every emitted event on domain.TopicReplay when set.
	Bus domain.EventBus

	// SubscriberBuffer sizes each subscriber's channel. Slow subscribers
	// miss events rather than stall the replay.
	SubscriberBuffer int
}

// Simulator owns the replay cursor. All state sits under mu; every state
// change closes wake so the run loop and waiters re-read it.
type Simulator struct {
	records []domain.Transaction
	opts    Options

	mu      sync.Mutex
	cursor  int
	running bool
	speed   float64
	wake    chan struct{}

	subs   map[int]chan Event
	nextID int
}

// New creates a stopped simulator over records, which must already be in
// step order.
func New(records []domain.Transaction, opts Options) *Simulator {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	speed := opts.Speed
	if speed == 0 || math.IsNaN(speed) {
		speed = 1
	}
	return &Simulator{
		records: records,
		opts:    opts,
		speed:   clamp(speed),
		wake:    make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
}

func clamp(speed float64) float64 {
	return math.Max(MinSpeed, math.Min(speed, MaxSpeed))
}

// notify must be called with mu held.
func (s *Simulator) notify() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Start resumes the replay from the cursor.
func (s *Simulator) Start() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return s.status(), ErrNoDataset
	}
	if !s.running {
		s.running = true
		s.notify()
	}
	return s.status(), nil
}

// Stop pauses the replay. The cursor is kept.
func (s *Simulator) Stop() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		s.notify()
	}
	return s.status()
}

// Reset rewinds to the first record and stops.
func (s *Simulator) Reset() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.running = false
	s.notify()
	return s.status()
}

// SetSpeed changes the emission rate, clamped to [MinSpeed, MaxSpeed].
func (s *Simulator) SetSpeed(speed float64) (Status, error) {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return s.Status(), fmt.Errorf("%w: speed must be a finite number", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = clamp(speed)
	s.notify()
	return s.status(), nil
}

// Status returns a snapshot.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

func (s *Simulator) status() Status {
	st := StateStopped
	if s.running {
		st = StateRunning
	}
	return Status{
		State:   st,
		Cursor:  s.cursor,
		Total:   len(s.records),
		Speed:   s.speed,
		DelayMs: s.delay().Milliseconds(),
	}
}

func (s *Simulator) delay() time.Duration {
	return time.Duration(math.Round(float64(s.opts.BaseDelay) / s.speed))
}

// Run drives the replay until ctx is done. While running it waits one
// delay, then emits the record under the cursor to every subscriber.
// Exhausting the records stops the simulator and emits EventFinished.
func (s *Simulator) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		running, wake, delay := s.running, s.wake, s.delay()
		s.mu.Unlock()

		if !running {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		ev, ok := s.advance()
		if !ok {
			continue
		}
		s.broadcast(ev)
		s.publish(ctx, ev)
	}
}

// advance moves the cursor unless a stop or reset won the race.
func (s *Simulator) advance() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Event{}, false
	}
	total := len(s.records)
	if s.cursor >= total {
		s.running = false
		s.notify()
		return Event{Event: EventFinished, Index: s.cursor, Total: total}, true
	}
	tx := s.records[s.cursor]
	ev := Event{Event: EventTransaction, Transaction: &tx, Index: s.cursor, Total: total}
	s.cursor++
	return ev, true
}

func (s *Simulator) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		if ev.Event == EventFinished {
			deliverFinal(ch, ev)
			continue
		}
		select {
		case ch <- ev:
		default:
			slog.Debug("replay subscriber lagging, event dropped", "subscriber", id, "index", ev.Index)
		}
	}
}

// deliverFinal makes room for ev by discarding the oldest queued events, so a
// lagging subscriber still learns the replay ended. Callers hold s.mu, which
// keeps other senders and the closing goroutine out.
func deliverFinal(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Simulator) publish(ctx context.Context, ev Event) {
	if ev.Event == EventTransaction {
		metrics.ReplayEmitted()
	}
	if s.opts.Bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.opts.Bus, domain.TopicReplay, ev); err != nil {
		slog.Warn("failed to publish replay event", "index", ev.Index, "error", err)
	}
}

// Stream subscribes to emitted events. The channel is closed once ctx is
// done.
func (s *Simulator) Stream(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.opts.SubscriberBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Subscribers returns the number of active streams.
func (s *Simulator) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
