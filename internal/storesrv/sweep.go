package storesrv

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

// Sweeper periodically demotes records whose writer went quiet: active=true
// but last_update_at older than the freshness window. The store re-checks
// that condition inside the write, so running a sweeper per service instance
// is safe; demotion never refreshes last_update_at, and readers already
// classified such records offline before the flip lands.
type Sweeper struct {
	st       store.PresenceStore
	window   time.Duration
	interval time.Duration
	stat     *Stat
	log      log.Logger

	Now func() time.Time
}

func NewSweeper(st store.PresenceStore, window, interval time.Duration, stat *Stat) *Sweeper {
	sw := &Sweeper{st: st, window: window, interval: interval, stat: stat}
	if sw.window <= 0 {
		sw.window = presence.DefaultFreshnessWindow
	}
	if sw.interval <= 0 {
		sw.interval = 30 * time.Second
	}
	sw.log = log.DefaultLogger
	sw.log.Context = log.NewContext(nil).Str("module", "sweeper").Value()
	sw.Now = time.Now
	return sw
}

func (sw *Sweeper) Run(ctx context.Context) {
	sw.log.Info().Dur("window", sw.window).Dur("interval", sw.interval).Msg("starting sweeper")
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	cutoff := sw.Now().Add(-sw.window)
	n, err := sw.st.DemoteStale(ctx, cutoff)
	if err != nil {
		// next tick retries, nothing to unwind
		sw.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if n > 0 {
		sw.stat.DemotedAdd(n)
		sw.log.Info().Int64("demoted", n).Time("cutoff", cutoff).Msg("demoted stale records")
	}
}
