// Package fanout turns the raw store feed into dashboard-ready events
// on an in-process message bus. It deduplicates by store sequence,
// debounces per-user bursts without ever swallowing an online/offline
// transition, synthesizes removals from snapshot diffs and attaches
// display profiles.
package fanout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/presence/internal/observer/feedclient"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/storesrv"
)

const (
	TopicUpdate = "presence.update"
	TopicRemove = "presence.remove"
)

// Event is what dashboard consumers receive. One per user state change,
// already classified and enriched.
type Event struct {
	presence.Event
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Resolver looks up display profiles, satisfied by the store api client.
type Resolver interface {
	Profile(ctx context.Context, userID string) (*storesrv.Profile, error)
}

type Config struct {
	// Debounce is how long same-state bursts for one user are held so
	// only the latest survives. Transitions bypass it entirely.
	Debounce time.Duration
	// FreshnessWindow classifies active records as online or stale.
	FreshnessWindow time.Duration
	// ResolveTimeout bounds a single profile lookup.
	ResolveTimeout time.Duration
	// Node feeds the bus id generator, distinct per observer instance.
	Node uint64
}

func (c *Config) setDefaults() {
	if c.Debounce == 0 {
		c.Debounce = 400 * time.Millisecond
	}
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = presence.DefaultFreshnessWindow
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.Node == 0 {
		c.Node = 1
	}
}

// userState is everything the fanout remembers about one user.
type userState struct {
	lastSeq uint64
	emitted Event
	// pending holds the newest debounced event, nil when none is held.
	pending *Event
	timer   *time.Timer
}

type Fanout struct {
	conf     Config
	bus      *bus.Bus
	resolver Resolver
	logger   zerolog.Logger

	Now func() time.Time

	mu       sync.Mutex
	users    map[string]*userState
	profiles map[string]*storesrv.Profile
}

func New(resolver Resolver, conf Config) (*Fanout, error) {
	conf.setDefaults()
	m, err := monoton.New(sequencer.NewMillisecond(), conf.Node, 0)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicUpdate, TopicRemove)
	f := &Fanout{
		conf:     conf,
		bus:      b,
		resolver: resolver,
		Now:      time.Now,
		users:    make(map[string]*userState),
		profiles: make(map[string]*storesrv.Profile),
	}
	f.logger = log.With().Str("module", "fanout").Logger()
	return f, nil
}

// Bus exposes the underlying bus for consumers registering handlers.
func (f *Fanout) Bus() *bus.Bus { return f.bus }

// Subscribe registers a handler for every presence topic under key.
func (f *Fanout) Subscribe(key string, fn func(ctx context.Context, ev Event)) {
	f.bus.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			if ev, ok := e.Data.(Event); ok {
				fn(ctx, ev)
			}
		},
		Matcher: `^presence\.`,
	})
}

func (f *Fanout) Unsubscribe(key string) {
	f.bus.DeregisterHandler(key)
}

// Run consumes feed updates until the channel closes or the context
// ends. Pending debounce timers are flushed on return.
func (f *Fanout) Run(ctx context.Context, updates <-chan feedclient.Update) {
	for {
		select {
		case <-ctx.Done():
			f.drain(ctx)
			return
		case u, ok := <-updates:
			if !ok {
				f.drain(ctx)
				return
			}
			if u.Change != nil {
				f.applyChange(ctx, u.Change)
			} else if u.Snapshot != nil {
				f.applySnapshot(ctx, u.Snapshot, u.Now)
			}
		}
	}
}

// Snapshot returns the current enriched world state, sorted by user id.
// New dashboard connections replay this before switching to live events.
func (f *Fanout) Snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.users))
	for _, st := range f.users {
		ev := st.emitted
		if st.pending != nil {
			ev = *st.pending
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (f *Fanout) applyChange(ctx context.Context, ch *store.Change) {
	now := f.Now()
	if ch.Op == store.OpDelete {
		f.remove(ctx, ch.Record.UserID, ch.Record.Seq)
		return
	}
	f.apply(ctx, &ch.Record, now)
}

// applySnapshot reconciles a full record list. Records carry their own
// dedupe sequence; users we know about that are absent from the list
// were deleted while we were not looking. Polled snapshots classify
// against the store clock in at; a zero at means our clock.
func (f *Fanout) applySnapshot(ctx context.Context, recs []presence.Record, at time.Time) {
	now := at
	if now.IsZero() {
		now = f.Now()
	}
	seen := make(map[string]bool, len(recs))
	for i := range recs {
		seen[recs[i].UserID] = true
		f.apply(ctx, &recs[i], now)
	}

	type goneUser struct {
		id  string
		seq uint64
	}
	f.mu.Lock()
	var gone []goneUser
	for id, st := range f.users {
		if !seen[id] {
			gone = append(gone, goneUser{id, st.lastSeq})
		}
	}
	f.mu.Unlock()
	for _, g := range gone {
		f.remove(ctx, g.id, g.seq)
	}
}

// apply routes one record through dedupe and debounce and decides
// whether it emits now, later or not at all.
func (f *Fanout) apply(ctx context.Context, rec *presence.Record, now time.Time) {
	ev := Event{Event: presence.EventFrom(rec, now, f.conf.FreshnessWindow)}
	f.enrich(ctx, &ev)

	f.mu.Lock()
	st, known := f.users[rec.UserID]
	if !known {
		st = &userState{}
		f.users[rec.UserID] = st
		st.lastSeq = rec.Seq
		st.emitted = ev
		f.mu.Unlock()
		f.emit(ctx, TopicUpdate, ev)
		return
	}

	if rec.Seq < st.lastSeq {
		// stale data from a poll racing the feed
		f.mu.Unlock()
		return
	}
	last := st.emitted
	if st.pending != nil {
		last = *st.pending
	}
	if rec.Seq == st.lastSeq && ev.Online == last.Online {
		// same write, same classification, nothing new to say
		f.mu.Unlock()
		return
	}
	st.lastSeq = rec.Seq

	if ev.Online != st.emitted.Online {
		// transition: flush immediately, dropping any held event
		f.clearPending(st)
		st.emitted = ev
		f.mu.Unlock()
		f.emit(ctx, TopicUpdate, ev)
		return
	}

	// same state as last emitted, hold it so bursts collapse
	st.pending = &ev
	if st.timer == nil {
		id := rec.UserID
		st.timer = time.AfterFunc(f.conf.Debounce, func() { f.flush(id) })
	}
	f.mu.Unlock()
}

func (f *Fanout) flush(userID string) {
	f.mu.Lock()
	st, ok := f.users[userID]
	if !ok || st.pending == nil {
		if ok {
			st.timer = nil
		}
		f.mu.Unlock()
		return
	}
	ev := *st.pending
	st.pending = nil
	st.timer = nil
	st.emitted = ev
	f.mu.Unlock()
	f.emit(context.Background(), TopicUpdate, ev)
}

func (f *Fanout) remove(ctx context.Context, userID string, seq uint64) {
	f.mu.Lock()
	st, ok := f.users[userID]
	if !ok || seq < st.lastSeq {
		f.mu.Unlock()
		return
	}
	f.clearPending(st)
	ev := st.emitted
	delete(f.users, userID)
	f.mu.Unlock()

	ev.Online = false
	ev.Deleted = true
	f.emit(ctx, TopicRemove, ev)
}

// drain flushes every held event so a shutdown does not eat updates.
func (f *Fanout) drain(ctx context.Context) {
	f.mu.Lock()
	var held []Event
	for _, st := range f.users {
		if st.pending != nil {
			ev := *st.pending
			f.clearPending(st)
			st.emitted = ev
			held = append(held, ev)
		}
	}
	f.mu.Unlock()
	for _, ev := range held {
		f.emit(ctx, TopicUpdate, ev)
	}
}

// clearPending must run under f.mu.
func (f *Fanout) clearPending(st *userState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
}

func (f *Fanout) emit(ctx context.Context, topic string, ev Event) {
	if err := f.bus.Emit(ctx, topic, ev); err != nil {
		f.logger.Err(err).Str("topic", topic).Str("user_id", ev.UserID).Msg("bus emit failed")
	}
}

// enrich fills in the display profile. Lookups that fail leave a
// placeholder and are not cached, so the next event retries.
func (f *Fanout) enrich(ctx context.Context, ev *Event) {
	f.mu.Lock()
	p, ok := f.profiles[ev.UserID]
	f.mu.Unlock()
	if ok {
		ev.Name = p.DisplayName
		ev.AvatarURL = p.AvatarURL
		return
	}
	if f.resolver == nil {
		ev.Name = ev.UserID
		return
	}
	lctx, cancel := context.WithTimeout(ctx, f.conf.ResolveTimeout)
	p, err := f.resolver.Profile(lctx, ev.UserID)
	cancel()
	if err != nil {
		f.logger.Debug().Err(err).Str("user_id", ev.UserID).Msg("profile lookup failed, using placeholder")
		ev.Name = ev.UserID
		return
	}
	f.mu.Lock()
	f.profiles[ev.UserID] = p
	f.mu.Unlock()
	ev.Name = p.DisplayName
	ev.AvatarURL = p.AvatarURL
}
