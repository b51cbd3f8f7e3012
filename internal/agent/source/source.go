package source

import (
	"context"
	"errors"
	"time"
)

// Position is a single sample from a positioning backend. Time is the
// fix time reported by the backend, not the receive time.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float32
	Time      time.Time
}

var (
	// ErrUnavailable covers transient failures: no fix yet, backend
	// restarting, malformed backend output. Retryable.
	ErrUnavailable = errors.New("position unavailable")
	// ErrPermissionDenied is terminal until the user re-grants access.
	ErrPermissionDenied = errors.New("position permission denied")
	// ErrTimeout means no sample arrived within the caller's deadline.
	ErrTimeout = errors.New("position timeout")
)

// Source produces position samples. Implementations never buffer;
// a watcher only ever sees the latest sample.
type Source interface {
	// GetOnce returns the current position or fails.
	GetOnce(ctx context.Context) (Position, error)
	// Watch starts continuous sampling and invokes fn for every sample
	// until the subscription is stopped. fn must not block; slow
	// consumers drop intermediate samples, they never queue them.
	Watch(fn func(Position)) (Subscription, error)
}

// Subscription is a running watch. Stop is idempotent.
type Subscription interface {
	Stop()
}
