package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/presence/internal/presence"
)

// ErrPermission surfaces a start request that persisted intent but could
// not begin reporting because location access is not granted.
var ErrPermission = errors.New("location permission not granted")

type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionGranted
	PermissionDenied
)

// PermissionAPI is the platform's location-permission surface.
type PermissionAPI interface {
	// Current returns the standing grant without prompting.
	Current(ctx context.Context) (Permission, error)
	// Request may prompt the user. Only explicit start actions call it;
	// auto-resume never prompts.
	Request(ctx context.Context) (Permission, error)
}

// Runner is the emitter as the reconciler sees it.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	ForceWrite()
}

// RecordReader fetches this user's own store record. Implementations
// return (nil, nil) when no record exists; errors mean the store could
// not be consulted and corroboration is skipped.
type RecordReader interface {
	Self(ctx context.Context) (*presence.Record, error)
}

type Config struct {
	// Tick is the reconciliation interval while intent says sharing.
	Tick time.Duration
	// FreshnessWindow matches the store's staleness window; a fresher
	// store record than this needs no forced write.
	FreshnessWindow time.Duration
	// DeniedLimit is how many consecutive denied permission checks
	// turn a transient denial into a persistent one that clears intent.
	DeniedLimit int
}

func (c *Config) setDefaults() {
	if c.Tick == 0 {
		c.Tick = 30 * time.Second
	}
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = presence.DefaultFreshnessWindow
	}
	if c.DeniedLimit == 0 {
		c.DeniedLimit = 3
	}
}

// Reconciler merges the three opinions about "should this device be
// sharing": the explicit action just taken, the persisted intent from a
// prior session, and the store's record. Priority is in that order.
// The store's opinion never starts or stops the emitter; it only
// triggers forced writes when it has drifted from local intent.
type Reconciler struct {
	conf   Config
	userID string
	file   *Store
	perm   PermissionAPI
	em     Runner
	rd     RecordReader
	log    log.Logger
	Now    func() time.Time

	mu           sync.Mutex
	cur          Intent
	deniedStreak int
}

func NewReconciler(userID string, file *Store, perm PermissionAPI, em Runner, rd RecordReader, conf Config, logger log.Logger) *Reconciler {
	conf.setDefaults()
	r := &Reconciler{conf: conf, userID: userID, file: file, perm: perm, em: em, rd: rd}
	r.log = logger
	r.log.Context = log.NewContext(nil).Str("module", "reconciler").Value()
	r.Now = func() time.Time { return time.Now().UTC() }
	return r
}

// StartSharing is the explicit user action. Intent is persisted before
// anything else so a crash between persist and start still auto-resumes.
func (r *Reconciler) StartSharing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = Intent{WasSharing: true, UserID: r.userID}
	if err := r.file.Save(r.cur); err != nil {
		return err
	}
	p, err := r.perm.Current(ctx)
	if err != nil {
		return err
	}
	if p == PermissionUndetermined {
		p, err = r.perm.Request(ctx)
		if err != nil {
			return err
		}
	}
	if p != PermissionGranted {
		r.deniedStreak++
		r.log.Warn().Msg("sharing requested but permission not granted")
		return ErrPermission
	}
	r.deniedStreak = 0
	if r.em.Running() {
		return nil
	}
	return r.em.Start(ctx)
}

// StopSharing is the explicit user action. The new intent is persisted
// before the emitter is stopped: if the process dies mid-stop, the
// restart must not resume.
func (r *Reconciler) StopSharing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = Intent{WasSharing: false, UserID: r.userID}
	if err := r.file.Save(r.cur); err != nil {
		return err
	}
	r.deniedStreak = 0
	if err := r.em.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("stop-path store write failed")
	}
	return nil
}

// SignOut stops sharing and wipes the persisted intent including the
// user id.
func (r *Reconciler) SignOut(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = Intent{}
	if err := r.em.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("stop-path store write failed")
	}
	return r.file.Clear()
}

// Resume is the cold-start path: re-read the persisted intent and start
// the emitter only if the user had asked to share and permission is
// still granted. The store is never consulted here; a store record
// with active=true and no local intent must not start anything.
func (r *Reconciler) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, err := r.file.Load()
	if err != nil {
		r.log.Warn().Err(err).Msg("persisted intent unreadable, treating as none")
		it = Intent{}
	}
	if it.WasSharing && it.UserID != r.userID {
		// intent from another account on this device
		r.log.Warn().Str("intent_user", it.UserID).Msg("discarding foreign persisted intent")
		_ = r.file.Clear()
		it = Intent{}
	}
	r.cur = it
	if !it.WasSharing {
		return nil
	}
	p, err := r.perm.Current(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("permission check failed, will retry on tick")
		return nil
	}
	if p != PermissionGranted {
		r.observeDenied(ctx, p)
		return nil
	}
	r.deniedStreak = 0
	if r.em.Running() {
		return nil
	}
	return r.em.Start(ctx)
}

// Tick is the periodic self-heal. Intent drives the emitter; the store
// record is only corroborated and, when diverged, healed with a forced
// write. Safe to call concurrently, from the timer and the supervisor.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cur.WasSharing {
		if r.em.Running() {
			if err := r.em.Stop(ctx); err != nil {
				r.log.Warn().Err(err).Msg("stop-path store write failed")
			}
		}
		return nil
	}
	p, err := r.perm.Current(ctx)
	if err != nil {
		// transient query failure, never clears intent
		r.log.Warn().Err(err).Msg("permission check failed")
		return nil
	}
	if p != PermissionGranted {
		r.observeDenied(ctx, p)
		return nil
	}
	r.deniedStreak = 0
	if !r.em.Running() {
		r.log.Info().Msg("intent says sharing but emitter is down, restarting")
		return r.em.Start(ctx)
	}
	r.corroborate(ctx)
	return nil
}

// Run resumes once and then ticks until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Resume(ctx); err != nil {
		r.log.Error().Err(err).Msg("resume failed")
	}
	ticker := time.NewTicker(r.conf.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Sharing reports current intent.
func (r *Reconciler) Sharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.WasSharing
}

// observeDenied counts consecutive denied observations. A single denial
// can be a glitchy permission query; a streak is the user having
// revoked access, which clears intent so the device stops trying.
// Callers hold r.mu.
func (r *Reconciler) observeDenied(ctx context.Context, p Permission) {
	if p != PermissionDenied {
		return
	}
	r.deniedStreak++
	if r.deniedStreak < r.conf.DeniedLimit {
		r.log.Warn().Int("streak", r.deniedStreak).Msg("location permission denied")
		return
	}
	r.log.Warn().Msg("location permission persistently denied, clearing sharing intent")
	r.cur.WasSharing = false
	if err := r.file.Save(r.cur); err != nil {
		r.log.Error().Err(err).Msg("persisting cleared intent failed")
	}
	if err := r.em.Stop(ctx); err != nil {
		r.log.Warn().Err(err).Msg("stop-path store write failed")
	}
}

// corroborate compares local intent against the store record and heals
// divergence by forcing a write. It never flips local intent: the store
// is authoritative for what observers see, not for what this device
// should do. Callers hold r.mu.
func (r *Reconciler) corroborate(ctx context.Context) {
	if r.rd == nil {
		return
	}
	rec, err := r.rd.Self(ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("store corroboration unavailable")
		return
	}
	if rec == nil || !rec.Active || presence.Stale(rec, r.Now(), r.conf.FreshnessWindow) {
		r.log.Info().Msg("store record diverged from local intent, forcing write")
		r.em.ForceWrite()
	}
}
