package store

import (
	"context"
	"errors"
	"time"

	"nuha.dev/presence/internal/presence"
)

// Op mirrors the change-feed operation taxonomy.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one feed entry. For OpDelete the record carries the last known
// field values before removal.
type Change struct {
	Op     Op              `json:"op"`
	Record presence.Record `json:"record"`
}

var (
	ErrNotFound = errors.New("presence record not found")
	// ErrInvalid marks a write the backend rejected on a data constraint
	// (coordinate range, accuracy sign). The API layer validates first, so
	// hitting this means a writer bypassed validation.
	ErrInvalid = errors.New("invalid presence write")
)

type Filter struct {
	// ActiveOnly restricts List to records whose writer still claims to be
	// sharing. Staleness is a read-time concern and is not filtered here.
	ActiveOnly bool
}

// Write is the single upsert payload. Every writer (first forced write,
// throttled position update, liveness heartbeat) goes through this one shape
// so the record-per-user invariant holds no matter which writer ran last.
type Write struct {
	UserID    string
	Latitude  float64
	Longitude float64
	Accuracy  float32
	Active    bool
}

// PresenceStore is the durable map of user id to presence record with a
// change feed. Implementations must make Upsert a single atomic statement:
// insert-then-mark-old-inactive is a race and is not an acceptable
// implementation strategy.
type PresenceStore interface {
	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error

	// Upsert creates or replaces the record for w.UserID, stamping
	// last_update_at with the store clock. Replaying the same write is
	// harmless: the record ends in the same state.
	Upsert(ctx context.Context, w Write) (*presence.Record, error)

	// SetActive flips only the sharing flag, refreshing last_update_at.
	// Returns ErrNotFound when no record exists for the user.
	SetActive(ctx context.Context, userID string, active bool) (*presence.Record, error)

	// Get returns the record for one user, ErrNotFound when absent.
	Get(ctx context.Context, userID string) (*presence.Record, error)

	// List returns the full record set matching filter.
	List(ctx context.Context, f Filter) ([]presence.Record, error)

	// Delete removes the record. Used only by explicit unregistration,
	// never by staleness handling.
	Delete(ctx context.Context, userID string) error

	// DemoteStale conditionally flips active=false on records with
	// active=true and last_update_at older than cutoff, and reports how
	// many rows changed. The condition is re-checked at write time so
	// concurrent sweepers cannot double-demote or revive a record.
	DemoteStale(ctx context.Context, cutoff time.Time) (int64, error)

	// Subscribe opens a change feed delivering every mutation made through
	// this store (including demotions). Events for one user arrive in
	// apply order.
	Subscribe(ctx context.Context) (Feed, error)
}

// Feed is one change-feed subscription. Changes is closed after a terminal
// feed error; Err then reports the cause.
type Feed interface {
	Changes() <-chan Change
	Err() error
	Close() error
}
