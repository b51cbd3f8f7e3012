// Package emitter turns position samples and timers into presence writes.
//
// One state machine per user: idle -> starting -> active -> stopping ->
// idle, where active splits into reporting (writes flow) and throttled
// (a sample arrived inside the throttle window and waits, buffered, for
// the window to expire). Entering active always begins with one forced
// unthrottled write. A liveness timer refreshes the record even when the
// device does not move. Write failures never leave the active state and
// never touch sharing intent; only an explicit stop does that.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/presence/internal/agent/source"
	"nuha.dev/presence/internal/presence"
)

// StoreWriter is the slice of the store client the emitter needs.
type StoreWriter interface {
	Upsert(ctx context.Context, lat, lng float64, accuracy float32, active bool) (*presence.Record, error)
	SetActive(ctx context.Context, active bool) (*presence.Record, error)
}

var ErrNotIdle = errors.New("emitter already running")

type runState int

const (
	idle runState = iota
	starting
	reporting
	throttled
	stopping
)

func (s runState) active() bool { return s == reporting || s == throttled }

type Config struct {
	// Throttle is the minimum spacing between position-driven writes.
	Throttle time.Duration
	// Liveness is the heartbeat interval; one write per interval is
	// guaranteed even when no samples arrive.
	Liveness time.Duration
	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration
	// DegradedAfter is the consecutive-failure count that raises the
	// degraded signal. The emitter keeps retrying regardless.
	DegradedAfter int
	// Degraded, when set, is called with the consecutive-failure count
	// when it reaches DegradedAfter and with 0 when a write succeeds
	// again. Called from the emit loop, must not block.
	Degraded func(consecutive int)
}

func (c *Config) setDefaults() {
	if c.Throttle == 0 {
		c.Throttle = 5 * time.Second
	}
	if c.Liveness == 0 {
		c.Liveness = 40 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 5
	}
}

type Emitter struct {
	conf Config
	src  source.Source
	st   StoreWriter
	log  log.Logger
	Now  func() time.Time

	// opMu serializes Start/Stop/Abort so a stop cannot interleave
	// with a start still acquiring its first sample.
	opMu sync.Mutex

	mu     sync.Mutex
	state  runState
	sub    source.Subscription
	stopch chan struct{}
	donech chan struct{}

	samplech chan source.Position
	forcech  chan struct{}
}

func New(src source.Source, st StoreWriter, conf Config, logger log.Logger) *Emitter {
	conf.setDefaults()
	e := &Emitter{conf: conf, src: src, st: st, log: logger}
	e.log.Context = log.NewContext(nil).Str("module", "emitter").Value()
	e.Now = func() time.Time { return time.Now().UTC() }
	e.samplech = make(chan source.Position, 1)
	e.forcech = make(chan struct{}, 1)
	return e
}

// Running reports whether a session is live. Starting counts: a caller
// that sees false and calls Start must not race a half-built session.
func (e *Emitter) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != idle
}

func (e *Emitter) setState(s runState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start acquires one position, performs the forced first write with
// active=true and begins continuous reporting. A failed first write
// does not abort the session; the emit loop retries on its schedule.
// A missing first sample does abort it, the caller owns the retry.
func (e *Emitter) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state != idle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	e.state = starting
	e.mu.Unlock()

	first, err := e.src.GetOnce(ctx)
	if err != nil {
		e.setState(idle)
		return fmt.Errorf("no initial position: %w", err)
	}

	var lastWrite time.Time
	failures := 0
	if err := e.write(first); err != nil {
		e.log.Error().Err(err).Msg("initial presence write failed")
		failures = 1
	} else {
		lastWrite = e.Now()
	}

	sub, err := e.src.Watch(e.offer)
	if err != nil {
		e.setState(idle)
		return fmt.Errorf("watch failed: %w", err)
	}

	stopch := make(chan struct{})
	donech := make(chan struct{})
	e.mu.Lock()
	e.sub = sub
	e.stopch = stopch
	e.donech = donech
	e.state = reporting
	e.mu.Unlock()
	e.log.Info().Msg("reporting started")

	go e.run(first, lastWrite, failures, stopch, donech)
	return nil
}

// Stop ends the session and issues the final active=false write. The
// final write is best effort: on failure the record stays active until
// the staleness sweep demotes it. Only explicit stops come here;
// process suspension uses Abort.
func (e *Emitter) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.halt() {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, e.conf.WriteTimeout)
	defer cancel()
	if _, err := e.st.SetActive(wctx, false); err != nil {
		e.log.Warn().Err(err).Msg("final inactive write failed, sweep will demote")
		return err
	}
	e.log.Info().Msg("reporting stopped")
	return nil
}

// Abort ends the session without the final write. Used when the host
// process is being suspended or torn down: the user did not ask to
// stop, so the record must stay active for the resumed process.
func (e *Emitter) Abort() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.halt() {
		e.log.Info().Msg("reporting aborted")
	}
}

// halt tears down the running session: cancels the sample subscription,
// signals the emit loop and waits for any in-flight write to finish.
// Reports whether there was a session to tear down.
func (e *Emitter) halt() bool {
	e.mu.Lock()
	if e.state == idle {
		e.mu.Unlock()
		return false
	}
	e.state = stopping
	sub := e.sub
	stopch := e.stopch
	donech := e.donech
	e.sub = nil
	e.stopch = nil
	e.donech = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if stopch != nil {
		close(stopch)
		<-donech
	}
	e.setState(idle)
	return true
}

// ForceWrite schedules an immediate unthrottled write of the last known
// position. No-op when no session is live.
func (e *Emitter) ForceWrite() {
	e.mu.Lock()
	running := e.state.active()
	e.mu.Unlock()
	if !running {
		return
	}
	select {
	case e.forcech <- struct{}{}:
	default:
	}
}

// offer hands a sample to the emit loop, replacing any sample it has
// not picked up yet. Never blocks: the sampling path must stay ahead of
// slow writes.
func (e *Emitter) offer(pos source.Position) {
	select {
	case e.samplech <- pos:
		return
	default:
	}
	select {
	case <-e.samplech:
	default:
	}
	select {
	case e.samplech <- pos:
	default:
	}
}

func (e *Emitter) write(pos source.Position) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.conf.WriteTimeout)
	defer cancel()
	_, err := e.st.Upsert(ctx, pos.Latitude, pos.Longitude, pos.Accuracy, true)
	return err
}

func (e *Emitter) run(last source.Position, lastWrite time.Time, failures int, stopch, donech chan struct{}) {
	defer close(donech)

	liveness := time.NewTimer(e.conf.Liveness)
	defer liveness.Stop()
	flush := time.NewTimer(time.Hour)
	if !flush.Stop() {
		<-flush.C
	}
	defer flush.Stop()

	// pending marks a buffered sample (or failed write) waiting for the
	// flush timer.
	pending := false

	armFlush := func(d time.Duration) {
		if !flush.Stop() {
			select {
			case <-flush.C:
			default:
			}
		}
		flush.Reset(d)
	}
	resetLiveness := func() {
		if !liveness.Stop() {
			select {
			case <-liveness.C:
			default:
			}
		}
		liveness.Reset(e.conf.Liveness)
	}

	attempt := func(pos source.Position) {
		if err := e.write(pos); err != nil {
			failures++
			e.log.Error().Err(err).Int("consecutive", failures).Msg("presence write failed")
			if failures == e.conf.DegradedAfter && e.conf.Degraded != nil {
				e.conf.Degraded(failures)
			}
			pending = true
			e.setState(throttled)
			armFlush(e.conf.Throttle)
			return
		}
		if failures >= e.conf.DegradedAfter && e.conf.Degraded != nil {
			e.conf.Degraded(0)
		}
		failures = 0
		lastWrite = e.Now()
		pending = false
		e.setState(reporting)
		resetLiveness()
	}

	if failures > 0 {
		// initial write failed, schedule the first retry
		pending = true
		armFlush(e.conf.Throttle)
	}

	for {
		select {
		case <-stopch:
			return
		case pos := <-e.samplech:
			last = pos
			since := e.Now().Sub(lastWrite)
			if since >= e.conf.Throttle {
				attempt(pos)
			} else if !pending {
				pending = true
				e.setState(throttled)
				armFlush(e.conf.Throttle - since)
			}
		case <-flush.C:
			if pending {
				attempt(last)
			}
		case <-liveness.C:
			// heartbeat: same position, fresh server timestamp
			liveness.Reset(e.conf.Liveness)
			attempt(last)
		case <-e.forcech:
			attempt(last)
		}
	}
}
