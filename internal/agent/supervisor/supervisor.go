// Package supervisor keeps the reporting agent alive against host
// suspension and termination. It never decides whether to report; it
// only makes sure the reconciler gets a chance to, on a wake cadence
// slightly tighter than the heartbeat interval and again after the host
// announces termination.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// Platform is the host OS surface the supervisor leans on. Real mobile
// hosts back these with wake locks, alarms and foreground notifications;
// server hosts mostly no-op them and rely on an init system.
type Platform interface {
	// RequestSuspendExemption asks the host not to suspend the process.
	// Asked once per run; denial is logged, not fatal.
	RequestSuspendExemption(ctx context.Context) error
	// ScheduleWake fires fn about every interval until stop is called.
	// The wake must fire even when the host throttles ordinary timers.
	ScheduleWake(every time.Duration, fn func()) (stop func(), err error)
	// ShowIndicator surfaces the persistent "sharing is on" affordance
	// most hosts require for long-running background work.
	ShowIndicator(ctx context.Context, text string) error
	HideIndicator(ctx context.Context) error
	// OnTermination registers fn to run when the host announces the
	// process is being torn down.
	OnTermination(fn func())
}

// Controller is the reconciler as the supervisor sees it.
type Controller interface {
	// Resume re-reads persisted intent and starts reporting if it says
	// sharing and permission still stands. Idempotent.
	Resume(ctx context.Context) error
	// Tick is the periodic self-heal pass.
	Tick(ctx context.Context) error
}

type Config struct {
	// WakeInterval should sit under the emitter's liveness interval so
	// a wedged emitter is restarted before observers see it go stale.
	WakeInterval time.Duration
	// RestartDelay spaces the post-termination restart.
	RestartDelay time.Duration
	// IndicatorText labels the persistent indicator.
	IndicatorText string
	// OpTimeout bounds each reconcile invocation.
	OpTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.WakeInterval == 0 {
		c.WakeInterval = 35 * time.Second
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.IndicatorText == "" {
		c.IndicatorText = "location sharing is on"
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 30 * time.Second
	}
}

type Supervisor struct {
	conf Config
	plat Platform
	ctl  Controller
	log  log.Logger

	mu       sync.Mutex
	degraded int
	restarts int
	lastWake time.Time
}

func New(plat Platform, ctl Controller, conf Config, logger log.Logger) *Supervisor {
	conf.setDefaults()
	s := &Supervisor{conf: conf, plat: plat, ctl: ctl}
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "supervisor").Value()
	return s
}

// Run wires the platform hooks and blocks until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.plat.RequestSuspendExemption(ctx); err != nil {
		s.log.Warn().Err(err).Msg("suspend exemption not granted")
	}
	if err := s.plat.ShowIndicator(ctx, s.conf.IndicatorText); err != nil {
		s.log.Warn().Err(err).Msg("persistent indicator unavailable")
	}
	s.plat.OnTermination(s.terminationNotice)

	stop, err := s.plat.ScheduleWake(s.conf.WakeInterval, s.wake)
	if err != nil {
		return err
	}
	if err := s.EnsureRunning(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial resume failed, wake ticks retry")
	}

	<-ctx.Done()
	stop()
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.plat.HideIndicator(hctx)
	return nil
}

// EnsureRunning re-reads persisted intent and restarts reporting when it
// says sharing. Idempotent and safe against a live emitter; the heavy
// lifting and the no-op detection live in the reconciler.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	return s.ctl.Resume(ctx)
}

func (s *Supervisor) wake() {
	s.mu.Lock()
	s.lastWake = time.Now()
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.OpTimeout)
	defer cancel()
	if err := s.ctl.Tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("wake reconcile failed")
	}
}

// terminationNotice schedules the unconditional delayed restart. The
// restart consults persisted intent, so a user who stopped sharing
// before the kill stays stopped.
func (s *Supervisor) terminationNotice() {
	s.log.Warn().Msg("host terminating process, scheduling restart")
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	time.AfterFunc(s.conf.RestartDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conf.OpTimeout)
		defer cancel()
		if err := s.EnsureRunning(ctx); err != nil {
			s.log.Error().Err(err).Msg("restart after termination failed")
		}
	})
}

// OnDegraded receives the emitter's consecutive-failure signal, 0 on
// recovery. Diagnostic only: the emitter keeps its own retry schedule
// and intent is never touched from here.
func (s *Supervisor) OnDegraded(consecutive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if consecutive == 0 {
		if s.degraded > 0 {
			s.log.Info().Msg("store writes recovered")
		}
		s.degraded = 0
		return
	}
	s.degraded = consecutive
	s.log.Warn().Int("consecutive_failures", consecutive).Msg("emitter degraded, writes failing")
}

type Status struct {
	Degraded int       `json:"degraded"`
	Restarts int       `json:"restarts"`
	LastWake time.Time `json:"last_wake"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Degraded: s.degraded, Restarts: s.restarts, LastWake: s.lastWake}
}
