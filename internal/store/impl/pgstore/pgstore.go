package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

// feedChannel is the pg_notify channel the presence_notify trigger emits on.
// The trigger fires inside the writing transaction, so a LISTEN feed sees
// exactly the committed mutations in commit order.
const feedChannel = "presence_changes"

const recordCols = `latitude, longitude, accuracy, active, last_update_at, seq`

type Store struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewStore(db *pgxpool.Pool) *Store {
	st := &Store{}
	st.db = db
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return st
}

func (st *Store) Ping(ctx context.Context) error {
	return st.db.Ping(ctx)
}

func (st *Store) Upsert(ctx context.Context, w store.Write) (*presence.Record, error) {
	rec := &presence.Record{UserID: w.UserID}
	err := st.db.QueryRow(ctx,
		`INSERT INTO presence (user_id, latitude, longitude, accuracy, active, last_update_at, seq)
		 VALUES ($1, $2, $3, $4, $5, now(), nextval('presence_seq'))
		 ON CONFLICT (user_id) DO UPDATE SET
		   latitude = EXCLUDED.latitude,
		   longitude = EXCLUDED.longitude,
		   accuracy = EXCLUDED.accuracy,
		   active = EXCLUDED.active,
		   last_update_at = now(),
		   seq = nextval('presence_seq')
		 RETURNING `+recordCols,
		w.UserID, w.Latitude, w.Longitude, w.Accuracy, w.Active).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.Active, &rec.LastUpdateAt, &rec.Seq)
	if err != nil {
		return nil, mapPgError(err)
	}
	return rec, nil
}

func (st *Store) SetActive(ctx context.Context, userID string, active bool) (*presence.Record, error) {
	rec := &presence.Record{UserID: userID}
	err := st.db.QueryRow(ctx,
		`UPDATE presence SET active = $2, last_update_at = now(), seq = nextval('presence_seq')
		 WHERE user_id = $1 RETURNING `+recordCols,
		userID, active).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.Active, &rec.LastUpdateAt, &rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (st *Store) Get(ctx context.Context, userID string) (*presence.Record, error) {
	rec := &presence.Record{UserID: userID}
	err := st.db.QueryRow(ctx,
		`SELECT `+recordCols+` FROM presence WHERE user_id = $1`, userID).
		Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.Active, &rec.LastUpdateAt, &rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (st *Store) List(ctx context.Context, f store.Filter) ([]presence.Record, error) {
	q := `SELECT user_id, ` + recordCols + ` FROM presence`
	if f.ActiveOnly {
		q += ` WHERE active`
	}
	rows, err := st.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []presence.Record
	for rows.Next() {
		var rec presence.Record
		err = rows.Scan(&rec.UserID, &rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.Active, &rec.LastUpdateAt, &rec.Seq)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (st *Store) Delete(ctx context.Context, userID string) error {
	ct, err := st.db.Exec(ctx, `DELETE FROM presence WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (st *Store) DemoteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	// last_update_at stays untouched: demotion only revokes the claim, the
	// timestamp keeps reporting when the writer was last heard from
	ct, err := st.db.Exec(ctx,
		`UPDATE presence SET active = false, seq = nextval('presence_seq')
		 WHERE active AND last_update_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (st *Store) Subscribe(ctx context.Context) (store.Feed, error) {
	conn, err := st.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN `+feedChannel); err != nil {
		conn.Release()
		return nil, err
	}
	fctx, cancel := context.WithCancel(ctx)
	f := &feed{ch: make(chan store.Change, 64), cancel: cancel}
	go f.run(fctx, conn, st.log)
	return f, nil
}

func mapPgError(err error) error {
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == pgerrcode.CheckViolation {
		return fmt.Errorf("%w: %s", store.ErrInvalid, pgerr.ConstraintName)
	}
	return err
}

// notice mirrors the JSON the presence_notify trigger builds with
// row_to_json, keyed by column names.
type notice struct {
	Op     store.Op `json:"op"`
	Record struct {
		UserID       string    `json:"user_id"`
		Latitude     float64   `json:"latitude"`
		Longitude    float64   `json:"longitude"`
		Accuracy     float32   `json:"accuracy"`
		Active       bool      `json:"active"`
		LastUpdateAt time.Time `json:"last_update_at"`
		Seq          uint64    `json:"seq"`
	} `json:"record"`
}

type feed struct {
	ch     chan store.Change
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

func (f *feed) run(ctx context.Context, conn *pgxpool.Conn, lg log.Logger) {
	defer close(f.ch)
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			f.setErr(err)
			return
		}
		var note notice
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			lg.Error().Err(err).Str("payload", n.Payload).Msg("undecodable change notification")
			continue
		}
		c := store.Change{Op: note.Op, Record: presence.Record{
			UserID:       note.Record.UserID,
			Latitude:     note.Record.Latitude,
			Longitude:    note.Record.Longitude,
			Accuracy:     note.Record.Accuracy,
			Active:       note.Record.Active,
			LastUpdateAt: note.Record.LastUpdateAt,
			Seq:          note.Record.Seq,
		}}
		select {
		case f.ch <- c:
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return
		}
	}
}

func (f *feed) Changes() <-chan store.Change { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.cancel()
	return nil
}

func (f *feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
