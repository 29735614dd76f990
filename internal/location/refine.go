// Package location turns a device geolocation capability into the best
// achievable sample for a session: a quick initial read with fallbacks,
// then a bounded watch that only reports real improvements.
package location

import (
	"context"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
)

const (
	defaultWindow          = 15 * time.Second
	defaultMaxImprovements = 3
	defaultDiscardAbove    = 200.0
	defaultMinGain         = 5.0
	defaultGoodEnough      = 20.0
	defaultAcceptFast      = 100.0
)

var (
	fastRead = PositionOptions{HighAccuracy: true, Timeout: 10 * time.Second, MaximumAge: 30 * time.Second}
	slowRead = PositionOptions{HighAccuracy: false, Timeout: 8 * time.Second, MaximumAge: 60 * time.Second}
	watchOpt = PositionOptions{HighAccuracy: true, Timeout: defaultWindow}
)

type Options struct {
	// Source may be nil when the device has no geolocation capability.
	Source      Source
	FallbackLat float64
	FallbackLng float64

	Window          time.Duration
	MaxImprovements int
	DiscardAbove    float64
	MinGain         float64
	GoodEnough      float64
	AcceptFast      float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Refiner struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRefiner(opts Options) *Refiner {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxImprovements <= 0 {
		opts.MaxImprovements = defaultMaxImprovements
	}
	if opts.DiscardAbove <= 0 {
		opts.DiscardAbove = defaultDiscardAbove
	}
	if opts.MinGain <= 0 {
		opts.MinGain = defaultMinGain
	}
	if opts.GoodEnough <= 0 {
		opts.GoodEnough = defaultGoodEnough
	}
	if opts.AcceptFast <= 0 {
		opts.AcceptFast = defaultAcceptFast
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refiner{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Acquire returns a usable sample and never fails. A fast high-accuracy read
// is tried first, then a slower low-power read, then the fallback
// coordinate with unknown accuracy.
func (r *Refiner) Acquire(ctx context.Context) domain.LocationSample {
	if r.opts.Source == nil {
		r.logger.Info("Geolocation unavailable, using fallback location")
		return r.fallback()
	}

	fix, err := r.read(ctx, fastRead)
	if err == nil && fix.Accuracy <= r.opts.AcceptFast {
		return r.sample(fix)
	}
	if err != nil {
		r.logger.Debug("Fast location read failed", zap.Error(err))
	} else {
		r.logger.Debug("Fast location read too coarse", zap.Float64("accuracy", fix.Accuracy))
	}

	slow, err := r.read(ctx, slowRead)
	if err == nil && slow.Accuracy < domain.AccuracyUnknown {
		return r.sample(slow)
	}
	if err != nil {
		r.logger.Warn("Location unavailable, using fallback", zap.Error(err))
	}
	return r.fallback()
}

// Refine watches the source for better readings than baseline. It stops
// after the window elapses, after MaxImprovements accepted readings, once
// the best accuracy is good enough, or when ctx is done. onImprove is
// called with every accepted reading. The watch is always cleared on
// return.
func (r *Refiner) Refine(ctx context.Context, baseline domain.LocationSample, onImprove func(domain.LocationSample)) domain.LocationSample {
	best := baseline
	if r.opts.Source == nil || best.Accuracy <= r.opts.GoodEnough {
		return best
	}

	wctx, cancel := context.WithTimeout(ctx, r.opts.Window)
	defer cancel()

	opts := watchOpt
	opts.Timeout = r.opts.Window
	fixes, err := r.opts.Source.Watch(wctx, opts)
	if err != nil {
		r.logger.Debug("Location watch unavailable", zap.Error(err))
		return best
	}

	improvements := 0
	for {
		select {
		case <-wctx.Done():
			return best
		case fix, ok := <-fixes:
			if !ok {
				return best
			}
			if fix.Accuracy > r.opts.DiscardAbove {
				continue
			}
			if best.Accuracy-fix.Accuracy < r.opts.MinGain {
				continue
			}
			// a reading that lands after cancellation belongs to a
			// superseded watch
			if wctx.Err() != nil {
				return best
			}

			best = r.sample(fix)
			improvements++
			r.metrics.IncrementLocationImprovement()
			r.logger.Debug("Location improved",
				zap.Float64("accuracy", best.Accuracy),
				zap.Int("improvement", improvements))
			if onImprove != nil {
				onImprove(best)
			}
			if improvements >= r.opts.MaxImprovements || best.Accuracy <= r.opts.GoodEnough {
				return best
			}
		}
	}
}

func (r *Refiner) read(ctx context.Context, opts PositionOptions) (Fix, error) {
	rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	return r.opts.Source.Current(rctx, opts)
}

func (r *Refiner) sample(fix Fix) domain.LocationSample {
	at := fix.Timestamp
	if at.IsZero() {
		at = r.opts.Now()
	}
	s := domain.LocationSample{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		CapturedAt: at,
		Method:     domain.MethodFor(fix.Accuracy),
	}
	r.metrics.ObserveLocation(string(s.Method), s.Accuracy)
	return s
}

func (r *Refiner) fallback() domain.LocationSample {
	r.metrics.IncrementLocationFallback()
	return domain.LocationSample{
		Latitude:   r.opts.FallbackLat,
		Longitude:  r.opts.FallbackLng,
		Accuracy:   domain.AccuracyUnknown,
		CapturedAt: r.opts.Now(),
		Method:     domain.MethodFallback,
	}
}
