package location

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCapabilityUnavailable = errors.New("location: geolocation unavailable")
	ErrPermissionDenied      = errors.New("location: permission denied")
)

// PositionOptions mirrors the knobs a device geolocation API exposes.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// Fix is one raw reading from a Source.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// Source is the device geolocation capability. Cancelling the context passed
// to Watch clears the watch and closes its channel.
type Source interface {
	Current(ctx context.Context, opts PositionOptions) (Fix, error)
	Watch(ctx context.Context, opts PositionOptions) (<-chan Fix, error)
}

// StaticSource reports a fixed device position. It backs the headless
// client, where there is no positioning hardware.
type StaticSource struct {
	Fix       Fix
	Available bool
	// Interval between repeated fixes on a watch. Zero reports once.
	Interval time.Duration
}

func (s *StaticSource) Current(ctx context.Context, _ PositionOptions) (Fix, error) {
	if !s.Available {
		return Fix{}, ErrCapabilityUnavailable
	}
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	fix := s.Fix
	fix.Timestamp = time.Now()
	return fix, nil
}

func (s *StaticSource) Watch(ctx context.Context, _ PositionOptions) (<-chan Fix, error) {
	if !s.Available {
		return nil, ErrCapabilityUnavailable
	}
	ch := make(chan Fix, 1)
	go func() {
		defer close(ch)
		for {
			fix := s.Fix
			fix.Timestamp = time.Now()
			select {
			case ch <- fix:
			case <-ctx.Done():
				return
			}
			if s.Interval <= 0 {
				<-ctx.Done()
				return
			}
			select {
			case <-time.After(s.Interval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
