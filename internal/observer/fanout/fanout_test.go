package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nuha.dev/presence/internal/observer/feedclient"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/storesrv"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) list() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.list(); len(evs) >= n {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.list()))
	return nil
}

// settle waits long enough for any debounce timer to have fired.
func (c *collector) settle(d time.Duration) []Event {
	time.Sleep(3 * d)
	return c.list()
}

type fakeResolver struct {
	mu       sync.Mutex
	profiles map[string]*storesrv.Profile
	failing  map[string]bool
	calls    int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{profiles: make(map[string]*storesrv.Profile), failing: make(map[string]bool)}
}

func (r *fakeResolver) Profile(ctx context.Context, userID string) (*storesrv.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failing[userID] {
		return nil, errors.New("directory down")
	}
	if p, ok := r.profiles[userID]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (r *fakeResolver) set(userID, name string) {
	r.mu.Lock()
	r.profiles[userID] = &storesrv.Profile{UserID: userID, DisplayName: name}
	r.mu.Unlock()
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const testDebounce = 40 * time.Millisecond

type fixture struct {
	f       *Fanout
	col     *collector
	res     *fakeResolver
	clk     *fakeClock
	updates chan feedclient.Update
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	res := newFakeResolver()
	f, err := New(res, Config{Debounce: testDebounce, FreshnessWindow: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	f.Now = clk.now

	col := &collector{}
	f.Subscribe("test-collector", col.handle)

	updates := make(chan feedclient.Update, 32)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{f: f, col: col, res: res, clk: clk, updates: updates, cancel: cancel}
}

func (fx *fixture) change(op store.Op, rec presence.Record) {
	fx.updates <- feedclient.Update{Change: &store.Change{Op: op, Record: rec}}
}

func (fx *fixture) snapshot(recs ...presence.Record) {
	if recs == nil {
		recs = []presence.Record{}
	}
	fx.updates <- feedclient.Update{Snapshot: recs}
}

func (fx *fixture) activeRec(userID string, seq uint64, lat float64) presence.Record {
	return presence.Record{
		UserID: userID, Latitude: lat, Longitude: 1, Accuracy: 5,
		Active: true, LastUpdateAt: fx.clk.now(), Seq: seq,
	}
}

func TestFirstSightingEmits(t *testing.T) {
	fx := newFixture(t)
	fx.res.set("u1", "Alice")
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))

	evs := fx.col.waitLen(t, 1)
	if evs[0].UserID != "u1" || !evs[0].Online {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[0].Name != "Alice" {
		t.Fatalf("expected enriched name, got %q", evs[0].Name)
	}
}

func TestSameStateBurstCollapses(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	fx.col.waitLen(t, 1)

	for i := uint64(2); i <= 5; i++ {
		fx.change(store.OpUpdate, fx.activeRec("u1", i, float64(10+i)))
	}
	evs := fx.col.settle(testDebounce)
	if len(evs) != 2 {
		t.Fatalf("expected burst to collapse to 2 events, got %d", len(evs))
	}
	if evs[1].Latitude != 15 {
		t.Fatalf("debounce must keep the latest sample, got lat %v", evs[1].Latitude)
	}
}

func TestTransitionBypassesDebounce(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	fx.col.waitLen(t, 1)

	off := fx.activeRec("u1", 2, 10)
	off.Active = false
	fx.change(store.OpUpdate, off)
	evs := fx.col.waitLen(t, 2)
	if evs[1].Online {
		t.Fatal("expected immediate offline event")
	}

	fx.change(store.OpUpdate, fx.activeRec("u1", 3, 11))
	evs = fx.col.waitLen(t, 3)
	if !evs[2].Online {
		t.Fatal("expected immediate online event")
	}
}

func TestTransitionDropsHeldSample(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	fx.col.waitLen(t, 1)

	// held behind the debounce
	fx.change(store.OpUpdate, fx.activeRec("u1", 2, 11))
	off := fx.activeRec("u1", 3, 11)
	off.Active = false
	fx.change(store.OpUpdate, off)

	evs := fx.col.waitLen(t, 2)
	if evs[1].Online {
		t.Fatal("transition must not wait behind a held sample")
	}
	if final := fx.col.settle(testDebounce); len(final) != 2 {
		t.Fatalf("held sample should be dropped after transition, got %d events", len(final))
	}
}

func TestStaleRecordReclassifiedOnPoll(t *testing.T) {
	fx := newFixture(t)
	rec := fx.activeRec("u1", 1, 10)
	fx.snapshot(rec)
	evs := fx.col.waitLen(t, 1)
	if !evs[0].Online {
		t.Fatal("expected fresh active record to be online")
	}

	// same stored state, enough wall time for it to go stale
	fx.clk.advance(2 * time.Minute)
	fx.snapshot(rec)
	evs = fx.col.waitLen(t, 2)
	if evs[1].Online {
		t.Fatal("expected stale record to reclassify offline without a new write")
	}

	// repeat polls say nothing new
	fx.snapshot(rec)
	fx.snapshot(rec)
	if final := fx.col.settle(testDebounce); len(final) != 2 {
		t.Fatalf("repeat polls must not re-emit, got %d events", len(final))
	}
}

func TestSnapshotDiffSynthesizesRemove(t *testing.T) {
	fx := newFixture(t)
	fx.snapshot(fx.activeRec("u1", 1, 10), fx.activeRec("u2", 2, 20))
	fx.col.waitLen(t, 2)

	fx.snapshot(fx.activeRec("u1", 3, 10))
	evs := fx.col.waitLen(t, 3)
	var removed *Event
	for i := range evs {
		if evs[i].Deleted {
			removed = &evs[i]
		}
	}
	if removed == nil || removed.UserID != "u2" || removed.Online {
		t.Fatalf("expected synthesized removal of u2, got %+v", evs)
	}

	snap := fx.f.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "u1" {
		t.Fatalf("snapshot should only hold u1, got %+v", snap)
	}
}

func TestDeleteChangeRemoves(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	fx.col.waitLen(t, 1)

	fx.change(store.OpDelete, fx.activeRec("u1", 2, 10))
	evs := fx.col.waitLen(t, 2)
	if !evs[1].Deleted {
		t.Fatalf("expected delete event, got %+v", evs[1])
	}
	if len(fx.f.Snapshot()) != 0 {
		t.Fatal("deleted user still present in snapshot")
	}
}

func TestLowerSeqDropped(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 5, 10))
	fx.col.waitLen(t, 1)

	// a poll losing the race against the feed delivers older data
	stale := fx.activeRec("u1", 3, 99)
	stale.Active = false
	fx.change(store.OpUpdate, stale)
	if evs := fx.col.settle(testDebounce); len(evs) != 1 {
		t.Fatalf("stale seq must be dropped, got %d events", len(evs))
	}
}

func TestProfileFailureRetriesNextEvent(t *testing.T) {
	fx := newFixture(t)
	fx.res.mu.Lock()
	fx.res.failing["u1"] = true
	fx.res.mu.Unlock()

	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	evs := fx.col.waitLen(t, 1)
	if evs[0].Name != "u1" {
		t.Fatalf("expected placeholder name, got %q", evs[0].Name)
	}

	fx.res.mu.Lock()
	fx.res.failing["u1"] = false
	fx.res.mu.Unlock()
	fx.res.set("u1", "Alice")

	off := fx.activeRec("u1", 2, 10)
	off.Active = false
	fx.change(store.OpUpdate, off)
	evs = fx.col.waitLen(t, 2)
	if evs[1].Name != "Alice" {
		t.Fatalf("expected retried lookup to enrich, got %q", evs[1].Name)
	}

	calls := fx.res.callCount()
	fx.change(store.OpUpdate, fx.activeRec("u1", 3, 11))
	fx.col.waitLen(t, 3)
	if fx.res.callCount() != calls {
		t.Fatal("successful lookup should be cached")
	}
}

func TestShutdownFlushesHeld(t *testing.T) {
	fx := newFixture(t)
	fx.change(store.OpInsert, fx.activeRec("u1", 1, 10))
	fx.col.waitLen(t, 1)

	fx.change(store.OpUpdate, fx.activeRec("u1", 2, 42))
	// wait until the sample is held before shutting down
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := fx.f.Snapshot()
		if len(snap) == 1 && snap[0].Latitude == 42 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	fx.cancel()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		evs := fx.col.list()
		if len(evs) == 2 && evs[1].Latitude == 42 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("held event was not flushed on shutdown")
}
