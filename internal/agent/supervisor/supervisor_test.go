package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
)

func quiet() log.Logger {
	return log.Logger{Level: log.PanicLevel}
}

type fakePlatform struct {
	mu         sync.Mutex
	exemptions int
	indicator  string
	hidden     bool
	wake       func()
	wakeStops  int
	term       func()
}

func (p *fakePlatform) RequestSuspendExemption(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exemptions++
	return nil
}

func (p *fakePlatform) ScheduleWake(every time.Duration, fn func()) (func(), error) {
	p.mu.Lock()
	p.wake = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.wakeStops++
		p.mu.Unlock()
	}, nil
}

func (p *fakePlatform) ShowIndicator(ctx context.Context, text string) error {
	p.mu.Lock()
	p.indicator = text
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) HideIndicator(ctx context.Context) error {
	p.mu.Lock()
	p.hidden = true
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) OnTermination(fn func()) {
	p.mu.Lock()
	p.term = fn
	p.mu.Unlock()
}

func (p *fakePlatform) fireWake() {
	p.mu.Lock()
	fn := p.wake
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePlatform) fireTermination() {
	p.mu.Lock()
	fn := p.term
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeController struct {
	mu      sync.Mutex
	resumes int
	ticks   int
}

func (c *fakeController) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumes++
	return nil
}

func (c *fakeController) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return nil
}

func (c *fakeController) counts() (resumes, ticks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes, c.ticks
}

func runSupervisor(t *testing.T, conf Config) (*Supervisor, *fakePlatform, *fakeController, func()) {
	t.Helper()
	plat := &fakePlatform{}
	ctl := &fakeController{}
	s := New(plat, ctl, conf, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	// Run wires the hooks and performs the initial resume before blocking
	// on ctx; wait for both so the tests see a settled supervisor
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		plat.mu.Lock()
		wired := plat.wake != nil && plat.term != nil
		plat.mu.Unlock()
		resumes, _ := ctl.counts()
		if wired && resumes >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	stop := func() {
		cancel()
		<-done
	}
	return s, plat, ctl, stop
}

func TestRunWiresPlatform(t *testing.T) {
	_, plat, ctl, stop := runSupervisor(t, Config{})
	plat.mu.Lock()
	if plat.exemptions != 1 {
		plat.mu.Unlock()
		t.Fatal("suspend exemption must be requested once")
	}
	if plat.indicator == "" {
		plat.mu.Unlock()
		t.Fatal("persistent indicator must be shown")
	}
	plat.mu.Unlock()
	if resumes, _ := ctl.counts(); resumes != 1 {
		t.Fatalf("run must resume once at startup, got %d", resumes)
	}

	stop()
	plat.mu.Lock()
	defer plat.mu.Unlock()
	if plat.wakeStops != 1 || !plat.hidden {
		t.Fatal("shutdown must stop wakes and hide the indicator")
	}
}

func TestWakeRunsReconcileTick(t *testing.T) {
	_, plat, ctl, stop := runSupervisor(t, Config{})
	defer stop()
	plat.fireWake()
	plat.fireWake()
	if _, ticks := ctl.counts(); ticks != 2 {
		t.Fatalf("each wake must reconcile, got %d ticks", ticks)
	}
}

func TestTerminationSchedulesRestart(t *testing.T) {
	s, plat, ctl, stop := runSupervisor(t, Config{RestartDelay: 10 * time.Millisecond})
	defer stop()

	plat.fireTermination()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if resumes, _ := ctl.counts(); resumes >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resumes, _ := ctl.counts(); resumes < 2 {
		t.Fatal("termination notice must schedule a delayed resume")
	}
	if s.Status().Restarts != 1 {
		t.Fatalf("restart must be counted, got %+v", s.Status())
	}
}

func TestEnsureRunningDelegates(t *testing.T) {
	plat := &fakePlatform{}
	ctl := &fakeController{}
	s := New(plat, ctl, Config{}, quiet())
	for i := 0; i < 3; i++ {
		if err := s.EnsureRunning(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if resumes, _ := ctl.counts(); resumes != 3 {
		t.Fatalf("ensure-running must always consult persisted intent, got %d", resumes)
	}
}

func TestDegradedSignalTracking(t *testing.T) {
	plat := &fakePlatform{}
	ctl := &fakeController{}
	s := New(plat, ctl, Config{}, quiet())

	s.OnDegraded(5)
	if s.Status().Degraded != 5 {
		t.Fatalf("degraded count not tracked: %+v", s.Status())
	}
	s.OnDegraded(0)
	if s.Status().Degraded != 0 {
		t.Fatalf("recovery must clear the degraded count: %+v", s.Status())
	}
}
