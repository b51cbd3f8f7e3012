package logstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

// LogStore wraps another PresenceStore and traces every mutation. Enabled by
// the log_writes flag, useful when chasing writer timing locally (throttle
// gaps, sweep demotions).
type LogStore struct {
	next store.PresenceStore
	log  zerolog.Logger
}

func NewStore(next store.PresenceStore) *LogStore {
	return &LogStore{next: next, log: log.With().Str("module", "logstore").Logger()}
}

func (l *LogStore) Ping(ctx context.Context) error {
	return l.next.Ping(ctx)
}

func (l *LogStore) Upsert(ctx context.Context, w store.Write) (*presence.Record, error) {
	rec, err := l.next.Upsert(ctx, w)
	l.log.Debug().Str("user_id", w.UserID).Float64("lat", w.Latitude).Float64("lng", w.Longitude).
		Float32("accuracy", w.Accuracy).Bool("active", w.Active).Err(err).Msg("upsert")
	return rec, err
}

func (l *LogStore) SetActive(ctx context.Context, userID string, active bool) (*presence.Record, error) {
	rec, err := l.next.SetActive(ctx, userID, active)
	l.log.Debug().Str("user_id", userID).Bool("active", active).Err(err).Msg("set_active")
	return rec, err
}

func (l *LogStore) Get(ctx context.Context, userID string) (*presence.Record, error) {
	return l.next.Get(ctx, userID)
}

func (l *LogStore) List(ctx context.Context, f store.Filter) ([]presence.Record, error) {
	return l.next.List(ctx, f)
}

func (l *LogStore) Delete(ctx context.Context, userID string) error {
	err := l.next.Delete(ctx, userID)
	l.log.Debug().Str("user_id", userID).Err(err).Msg("delete")
	return err
}

func (l *LogStore) DemoteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.next.DemoteStale(ctx, cutoff)
	l.log.Debug().Time("cutoff", cutoff).Int64("demoted", n).Err(err).Msg("demote_stale")
	return n, err
}

func (l *LogStore) Subscribe(ctx context.Context) (store.Feed, error) {
	return l.next.Subscribe(ctx)
}
