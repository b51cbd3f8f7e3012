// Package feedclient consumes the store's websocket change feed and
// degrades to polling when the feed is unhealthy. Downstream consumers
// always see the same Update stream; whether an update came over the
// feed or from a poll is invisible to them.
package feedclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/storesrv"
)

// Health is the feed's connection state as shown on dashboards. Polling
// keeps data flowing in every state; health only describes the feed.
type Health int32

const (
	Live Health = iota
	Reconnecting
	Disconnected
)

func (h Health) String() string {
	switch h {
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Update is one unit of input for the fan-out: either a full record
// snapshot (from the feed handshake or a poll) or a single change.
// Polled snapshots carry the store's clock in Now so staleness is
// judged against the writer's notion of time; zero means the
// receiver's clock applies.
type Update struct {
	Snapshot []presence.Record
	Now      time.Time
	Change   *store.Change
}

// Lister is the poll path, backed by the store's HTTP list endpoint.
type Lister interface {
	List(ctx context.Context) ([]presence.Record, time.Time, error)
}

type Config struct {
	// FeedURL is the websocket endpoint, ws:// or wss://.
	FeedURL string
	Token   string
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// RetryInterval spaces reconnect attempts; backoff doubles it up to
	// RetryMax.
	RetryInterval time.Duration
	RetryMax      time.Duration
	// PollInterval is the fallback poll cadence while the feed is down.
	PollInterval time.Duration
	// BackstopInterval is the low-frequency poll that runs even while
	// the feed is healthy, catching anything the feed missed.
	BackstopInterval time.Duration
	// DisconnectedAfter many consecutive dial failures the health flips
	// from reconnecting to disconnected.
	DisconnectedAfter int
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BackstopInterval == 0 {
		c.BackstopInterval = 60 * time.Second
	}
	if c.DisconnectedAfter == 0 {
		c.DisconnectedAfter = 5
	}
}

type FeedClient struct {
	conf    Config
	lister  Lister
	logger  zerolog.Logger
	updates chan Update
	health  int32
	pollNow chan struct{}

	mu     sync.Mutex
	cursor string
}

func New(lister Lister, conf Config) *FeedClient {
	conf.setDefaults()
	fc := &FeedClient{conf: conf, lister: lister}
	fc.logger = log.With().Str("module", "feedclient").Logger()
	fc.updates = make(chan Update, 64)
	fc.pollNow = make(chan struct{}, 1)
	return fc
}

func (fc *FeedClient) Updates() <-chan Update { return fc.updates }

func (fc *FeedClient) Health() Health {
	return Health(atomic.LoadInt32(&fc.health))
}

func (fc *FeedClient) setHealth(h Health) {
	old := Health(atomic.SwapInt32(&fc.health, int32(h)))
	if old != h {
		fc.logger.Info().Str("from", old.String()).Str("to", h.String()).Msg("feed health changed")
	}
}

// Run drives the feed and the poller until the context ends. The
// updates channel closes on return.
func (fc *FeedClient) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fc.pollLoop(ctx)
	}()

	fails := 0
	retry := fc.conf.RetryInterval
	for {
		err := fc.stream(ctx)
		if ctx.Err() != nil {
			break
		}
		if fc.Health() == Live {
			// the stream was established before it broke, start a
			// fresh failure streak
			fails = 0
			retry = fc.conf.RetryInterval
		}
		fails++
		if fails >= fc.conf.DisconnectedAfter {
			fc.setHealth(Disconnected)
		} else {
			fc.setHealth(Reconnecting)
		}
		fc.logger.Warn().Err(err).Int("consecutive", fails).Msg("feed lost, polling until it returns")
		fc.kickPoll()
		select {
		case <-ctx.Done():
		case <-time.After(retry):
		}
		if ctx.Err() != nil {
			break
		}
		if retry < fc.conf.RetryMax {
			retry *= 2
		}
	}
	wg.Wait()
	close(fc.updates)
}

// stream dials the feed, handshakes and consumes messages until the
// connection dies. A successful handshake resets health to live.
func (fc *FeedClient) stream(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, fc.conf.DialTimeout)
	c, _, err := websocket.Dial(dialCtx, fc.conf.FeedURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	hello := storesrv.FeedHello{Token: fc.conf.Token, Cursor: fc.getCursor()}
	writeCtx, cancel := context.WithTimeout(ctx, fc.conf.DialTimeout)
	err = wsjson.Write(writeCtx, c, hello)
	cancel()
	if err != nil {
		return err
	}

	fc.setHealth(Live)
	fc.logger.Info().Str("url", fc.conf.FeedURL).Msg("feed connected")
	for {
		var msg storesrv.FeedMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return err
		}
		if msg.Cursor != "" {
			fc.setCursor(msg.Cursor)
		}
		switch msg.Type {
		case storesrv.MsgSnapshot:
			recs := msg.Records
			if recs == nil {
				// an empty world is still a snapshot, consumers diff
				// against it
				recs = []presence.Record{}
			}
			fc.emit(ctx, Update{Snapshot: recs})
		case storesrv.MsgChange:
			if msg.Change == nil {
				continue
			}
			fc.emit(ctx, Update{Change: msg.Change})
		default:
			fc.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown feed frame")
		}
	}
}

// pollLoop is permanent: a slow backstop poll while the feed is live, a
// faster one while it is not. kickPoll forces an immediate pass so the
// fallback starts inside one poll interval of a feed failure.
func (fc *FeedClient) pollLoop(ctx context.Context) {
	timer := time.NewTimer(fc.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-fc.pollNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		fc.poll(ctx)
		timer.Reset(fc.interval())
	}
}

func (fc *FeedClient) interval() time.Duration {
	if fc.Health() == Live {
		return fc.conf.BackstopInterval
	}
	return fc.conf.PollInterval
}

func (fc *FeedClient) kickPoll() {
	select {
	case fc.pollNow <- struct{}{}:
	default:
	}
}

func (fc *FeedClient) poll(ctx context.Context) {
	recs, now, err := fc.lister.List(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fc.logger.Err(err).Msg("poll failed")
		}
		return
	}
	if recs == nil {
		recs = []presence.Record{}
	}
	fc.emit(ctx, Update{Snapshot: recs, Now: now})
}

func (fc *FeedClient) emit(ctx context.Context, u Update) {
	select {
	case fc.updates <- u:
	case <-ctx.Done():
	}
}

func (fc *FeedClient) getCursor() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.cursor
}

func (fc *FeedClient) setCursor(cur string) {
	fc.mu.Lock()
	fc.cursor = cur
	fc.mu.Unlock()
}
