package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

const feedBuffer = 256

var errFeedOverflow = errors.New("feed buffer overflow")

// Store keeps the presence map in process memory. It backs single-node runs
// and the unit tests; the contract is identical to the durable backends.
type Store struct {
	mu   sync.Mutex
	recs map[string]*presence.Record
	seq  uint64
	subs map[*feed]struct{}
	log  log.Logger

	// Now is the store clock, overridable in tests.
	Now func() time.Time
}

func NewStore() *Store {
	st := &Store{}
	st.recs = make(map[string]*presence.Record)
	st.subs = make(map[*feed]struct{})
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "memstore").Value()
	st.Now = time.Now
	return st
}

func (st *Store) Ping(ctx context.Context) error { return nil }

func (st *Store) Upsert(ctx context.Context, w store.Write) (*presence.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	op := store.OpUpdate
	if _, ok := st.recs[w.UserID]; !ok {
		op = store.OpInsert
	}
	st.seq++
	rec := &presence.Record{
		UserID:       w.UserID,
		Latitude:     w.Latitude,
		Longitude:    w.Longitude,
		Accuracy:     w.Accuracy,
		Active:       w.Active,
		LastUpdateAt: st.Now().UTC(),
		Seq:          st.seq,
	}
	st.recs[w.UserID] = rec
	st.broadcast(store.Change{Op: op, Record: *rec})
	return copyRec(rec), nil
}

func (st *Store) SetActive(ctx context.Context, userID string, active bool) (*presence.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.recs[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st.seq++
	rec.Active = active
	rec.LastUpdateAt = st.Now().UTC()
	rec.Seq = st.seq
	st.broadcast(store.Change{Op: store.OpUpdate, Record: *rec})
	return copyRec(rec), nil
}

func (st *Store) Get(ctx context.Context, userID string) (*presence.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.recs[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRec(rec), nil
}

func (st *Store) List(ctx context.Context, f store.Filter) ([]presence.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]presence.Record, 0, len(st.recs))
	for _, rec := range st.recs {
		if f.ActiveOnly && !rec.Active {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (st *Store) Delete(ctx context.Context, userID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.recs[userID]
	if !ok {
		return store.ErrNotFound
	}
	delete(st.recs, userID)
	st.seq++
	last := *rec
	last.Seq = st.seq
	st.broadcast(store.Change{Op: store.OpDelete, Record: last})
	return nil
}

func (st *Store) DemoteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	for _, rec := range st.recs {
		// re-check under the lock so concurrent sweepers stay idempotent
		if !rec.Active || !rec.LastUpdateAt.Before(cutoff) {
			continue
		}
		st.seq++
		rec.Active = false
		rec.Seq = st.seq
		st.broadcast(store.Change{Op: store.OpUpdate, Record: *rec})
		n++
	}
	return n, nil
}

func (st *Store) Subscribe(ctx context.Context) (store.Feed, error) {
	f := &feed{st: st, ch: make(chan store.Change, feedBuffer), stopped: make(chan struct{})}
	st.mu.Lock()
	st.subs[f] = struct{}{}
	st.mu.Unlock()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				f.close(ctx.Err())
			case <-f.stopped:
			}
		}()
	}
	return f, nil
}

// broadcast runs with st.mu held: mutations are serialized, so every feed
// sees changes for one user in apply order.
func (st *Store) broadcast(c store.Change) {
	for f := range st.subs {
		select {
		case f.ch <- c:
		default:
			// a subscriber that cannot keep up is cut off instead of
			// silently losing interior events
			delete(st.subs, f)
			f.err = errFeedOverflow
			close(f.ch)
			st.log.Warn().Str("event", "feed_overflow").Msg("dropping slow feed subscriber")
		}
	}
}

func copyRec(rec *presence.Record) *presence.Record {
	c := *rec
	return &c
}

type feed struct {
	st      *Store
	ch      chan store.Change
	err     error
	stopped chan struct{}
	once    sync.Once
}

func (f *feed) Changes() <-chan store.Change { return f.ch }

func (f *feed) Err() error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.close(nil)
	return nil
}

func (f *feed) close(err error) {
	f.once.Do(func() {
		f.st.mu.Lock()
		if _, ok := f.st.subs[f]; ok {
			delete(f.st.subs, f)
			f.err = err
			close(f.ch)
		}
		f.st.mu.Unlock()
		close(f.stopped)
	})
}
