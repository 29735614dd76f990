package location

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"realtime-service/internal/bus"
	"realtime-service/internal/domain"
)

// Tracker owns the session's best-known location and its single current
// watch. Starting a new acquisition supersedes the previous one; callbacks
// from a superseded watch are ignored.
type Tracker struct {
	refiner *Refiner
	rooms   *Rooms
	topic   *bus.Topic[domain.LocationSample]
	logger  *zap.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	best    domain.LocationSample
	hasBest bool
	done    chan struct{}
}

// NewTracker builds a tracker. rooms and topic are optional.
func NewTracker(refiner *Refiner, rooms *Rooms, topic *bus.Topic[domain.LocationSample], logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		refiner: refiner,
		rooms:   rooms,
		topic:   topic,
		logger:  logger,
	}
}

// Start cancels any running watch, acquires an initial sample, records it
// and keeps refining in the background until the refinement budget is
// spent. It returns the initial sample.
func (t *Tracker) Start(ctx context.Context) domain.LocationSample {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	sample := t.refiner.Acquire(wctx)
	if wctx.Err() != nil || !t.accept(gen, sample) {
		close(done)
		return sample
	}

	go func() {
		defer close(done)
		defer t.finish(gen)
		t.refiner.Refine(wctx, sample, func(s domain.LocationSample) {
			t.accept(gen, s)
		})
	}()
	return sample
}

// Refresh is an explicit user request for a new fix.
func (t *Tracker) Refresh(ctx context.Context) domain.LocationSample {
	return t.Start(ctx)
}

// Stop clears the current watch. Later callbacks from it are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.gen++
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *Tracker) Best() (domain.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.best, t.hasBest
}

// Done is closed when the most recently started refinement has finished.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

func (t *Tracker) accept(gen uint64, s domain.LocationSample) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.logger.Debug("Ignoring sample from superseded watch")
		return false
	}
	t.best = s
	t.hasBest = true
	// Move stays under mu so no join lands after Stop. A fallback coordinate
	// is not where the user is.
	if t.rooms != nil && s.Reliable() {
		t.rooms.Move(s.Latitude, s.Longitude)
	}
	t.mu.Unlock()

	if t.topic != nil {
		t.topic.Publish(s)
	}
	return true
}

func (t *Tracker) finish(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen == t.gen && t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
