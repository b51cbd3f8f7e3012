package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
)

type FilterConfig struct {
	// OnceCeiling is the worst acceptable accuracy for GetOnce, meters.
	OnceCeiling float32
	// WatchCeiling is the worst acceptable accuracy for watch samples.
	// Continuous watches demand tighter fixes than one-shot checks.
	WatchCeiling float32
	// Grace is how long a watch may go without an acceptable sample
	// before the last good one is re-stamped and forwarded anyway.
	Grace time.Duration
	// FastRetries bounds the immediate GetOnce retries on ErrUnavailable
	// before the error surfaces to the caller.
	FastRetries int
	// RetryDelay sits between fast retries.
	RetryDelay time.Duration
}

func (c *FilterConfig) setDefaults() {
	if c.OnceCeiling == 0 {
		c.OnceCeiling = 30
	}
	if c.WatchCeiling == 0 {
		c.WatchCeiling = 20
	}
	if c.Grace == 0 {
		c.Grace = 30 * time.Second
	}
	if c.FastRetries == 0 {
		c.FastRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// Filter wraps a Source and drops samples whose accuracy is worse than
// the configured ceiling. A watch that sees nothing acceptable for the
// grace window re-forwards the last good sample with a fresh timestamp,
// so an accuracy dip alone never turns into silence downstream.
type Filter struct {
	src  Source
	conf FilterConfig
	log  log.Logger

	mu       sync.Mutex
	lastGood Position
	haveGood bool
	Now      func() time.Time
}

func NewFilter(src Source, conf FilterConfig, logger log.Logger) *Filter {
	conf.setDefaults()
	f := &Filter{src: src, conf: conf, log: logger}
	f.log.Context = log.NewContext(nil).Str("module", "srcfilter").Value()
	f.Now = func() time.Time { return time.Now().UTC() }
	return f
}

func (f *Filter) GetOnce(ctx context.Context) (Position, error) {
	var lastErr error
	for attempt := 0; attempt <= f.conf.FastRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Position{}, ErrTimeout
			case <-time.After(f.conf.RetryDelay):
			}
		}
		pos, err := f.src.GetOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				return Position{}, err
			}
			lastErr = err
			continue
		}
		if pos.Accuracy > f.conf.OnceCeiling {
			f.log.Debug().Float32("accuracy", pos.Accuracy).Msg("sample over accuracy ceiling, retrying")
			lastErr = ErrUnavailable
			continue
		}
		f.remember(pos)
		return pos, nil
	}
	// Nothing acceptable arrived. An old good sample beats silence.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haveGood {
		pos := f.lastGood
		pos.Time = f.Now()
		f.log.Debug().Msg("re-forwarding last good sample")
		return pos, nil
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return Position{}, lastErr
}

func (f *Filter) Watch(fn func(Position)) (Subscription, error) {
	w := &watchFilter{f: f, fn: fn}
	sub, err := f.src.Watch(w.sample)
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

func (f *Filter) remember(pos Position) {
	f.mu.Lock()
	f.lastGood = pos
	f.haveGood = true
	f.mu.Unlock()
}

type watchFilter struct {
	f   *Filter
	fn  func(Position)
	sub Subscription

	mu      sync.Mutex
	grace   *time.Timer
	stopped bool
}

func (w *watchFilter) sample(pos Position) {
	f := w.f
	if pos.Accuracy <= f.conf.WatchCeiling {
		f.remember(pos)
		w.mu.Lock()
		if w.grace != nil {
			w.grace.Stop()
			w.grace = nil
		}
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.fn(pos)
		}
		return
	}
	f.log.Debug().Float32("accuracy", pos.Accuracy).Msg("dropping watch sample over accuracy ceiling")
	w.mu.Lock()
	if w.grace == nil && !w.stopped {
		w.grace = time.AfterFunc(f.conf.Grace, w.graceExpired)
	}
	w.mu.Unlock()
}

func (w *watchFilter) graceExpired() {
	f := w.f
	w.mu.Lock()
	w.grace = nil
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	f.mu.Lock()
	ok := f.haveGood
	pos := f.lastGood
	f.mu.Unlock()
	if !ok {
		return
	}
	pos.Time = f.Now()
	f.log.Debug().Msg("grace window expired, re-forwarding last good sample")
	w.fn(pos)
}

func (w *watchFilter) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.grace != nil {
		w.grace.Stop()
		w.grace = nil
	}
	w.mu.Unlock()
	w.sub.Stop()
}
