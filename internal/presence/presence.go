package presence

import (
	"time"

	"github.com/phuslu/log"
)

// Status is the read-time classification of a presence record. It is never
// stored: writers only persist the active flag and last_update_at, and every
// reader derives online/offline from those two fields.
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// DefaultFreshnessWindow is the single canonical window separating online
// from offline. The sweeper, the dashboard and the agent reconciler all use
// the same configured value; there is deliberately no second window.
const DefaultFreshnessWindow = 2 * time.Minute

// Record is the single per-user presence row. At most one record exists per
// user id, enforced by upsert-on-conflict in every store backend.
type Record struct {
	UserID       string    `json:"user_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float32   `json:"accuracy"`
	Active       bool      `json:"active"`
	LastUpdateAt time.Time `json:"last_update_at"`
	// Seq is the store-assigned change sequence, used for feed cursors and
	// observer dedupe. Not part of the observer contract.
	Seq uint64 `json:"seq,omitempty"`
}

func (r *Record) MarshalObject(e *log.Entry) {
	e.Str("user_id", r.UserID).Bool("active", r.Active).Time("last_update_at", r.LastUpdateAt)
}

// Classify returns Online iff the record is marked active and
// now - last_update_at is still inside window. A record can be active but
// stale when its writer died without clearing the flag; that record is
// Offline here even before the sweeper demotes it.
func Classify(r *Record, now time.Time, window time.Duration) Status {
	if r == nil || !r.Active {
		return Offline
	}
	if now.Sub(r.LastUpdateAt) < window {
		return Online
	}
	return Offline
}

// Stale reports whether an active record has outlived window at now. Used by
// the sweeper to pick demotion candidates; the actual flip happens under a
// conditional update so concurrent sweepers stay idempotent.
func Stale(r *Record, now time.Time, window time.Duration) bool {
	return r.Active && now.Sub(r.LastUpdateAt) >= window
}

// Event is the only shape external observers may depend on.
type Event struct {
	UserID       string    `json:"user_id"`
	Latitude     float64   `json:"lat"`
	Longitude    float64   `json:"lng"`
	Accuracy     float32   `json:"accuracy"`
	LastUpdateAt time.Time `json:"last_update_at"`
	Online       bool      `json:"online"`
}

// EventFrom derives the observer-facing event from a record at a given time.
func EventFrom(r *Record, now time.Time, window time.Duration) Event {
	return Event{
		UserID:       r.UserID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Accuracy:     r.Accuracy,
		LastUpdateAt: r.LastUpdateAt,
		Online:       Classify(r, now, window) == Online,
	}
}
