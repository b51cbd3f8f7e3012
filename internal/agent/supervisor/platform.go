package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phuslu/log"
)

// HostPlatform is the plain-Linux Platform: no suspend to exempt from,
// the indicator is a log line, wakes are an ordinary ticker and the
// termination notice is SIGTERM/SIGINT. Actual process resurrection is
// the init system's job.
type HostPlatform struct {
	log log.Logger

	mu    sync.Mutex
	term  []func()
	sigch chan os.Signal
}

func NewHostPlatform(logger log.Logger) *HostPlatform {
	h := &HostPlatform{}
	h.log = logger
	h.log.Context = log.NewContext(nil).Str("module", "platform").Value()
	return h
}

func (h *HostPlatform) RequestSuspendExemption(ctx context.Context) error {
	h.log.Debug().Msg("suspend exemption not applicable on this host")
	return nil
}

func (h *HostPlatform) ScheduleWake(every time.Duration, fn func()) (func(), error) {
	stopch := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stopch:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { once.Do(func() { close(stopch) }) }, nil
}

func (h *HostPlatform) ShowIndicator(ctx context.Context, text string) error {
	h.log.Info().Str("indicator", text).Msg("sharing indicator on")
	return nil
}

func (h *HostPlatform) HideIndicator(ctx context.Context) error {
	h.log.Info().Msg("sharing indicator off")
	return nil
}

// OnTermination fires fn once when SIGTERM or SIGINT arrives. Multiple
// registrations all fire.
func (h *HostPlatform) OnTermination(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.term = append(h.term, fn)
	if h.sigch != nil {
		return
	}
	h.sigch = make(chan os.Signal, 1)
	signal.Notify(h.sigch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-h.sigch
		h.mu.Lock()
		fns := make([]func(), len(h.term))
		copy(fns, h.term)
		h.mu.Unlock()
		for _, f := range fns {
			f()
		}
	}()
}
