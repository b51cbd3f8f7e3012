package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

const (
	recKeyPrefix = "presence:rec:"
	seqKey       = "presence:seq"
	feedChannel  = "presence:changes"
)

// Records never expire by TTL. Staleness is a read-time classification and
// demotion is an explicit conditional write; letting Redis expire a key would
// erase the last known position instead of just revoking the claim.
//
// Every mutation runs as one Lua script so the seq assignment, the SET and
// the PUBLISH are a single atomic step: subscribers see changes in seq order
// with no interleaving between concurrent writers.

var upsertScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local existed = redis.call('EXISTS', KEYS[1])
local rec = {
  user_id = ARGV[1],
  latitude = tonumber(ARGV[2]),
  longitude = tonumber(ARGV[3]),
  accuracy = tonumber(ARGV[4]),
  active = ARGV[5] == '1',
  last_update_at = ARGV[6],
  last_update_ms = tonumber(ARGV[7]),
  seq = seq,
}
local data = cjson.encode(rec)
redis.call('SET', KEYS[1], data)
local op = 'insert'
if existed == 1 then op = 'update' end
redis.call('PUBLISH', KEYS[3], cjson.encode({op = op, record = rec}))
return data
`)

var setActiveScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then return false end
local rec = cjson.decode(data)
rec['active'] = ARGV[1] == '1'
rec['last_update_at'] = ARGV[2]
rec['last_update_ms'] = tonumber(ARGV[3])
rec['seq'] = redis.call('INCR', KEYS[2])
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('PUBLISH', KEYS[3], cjson.encode({op = 'update', record = rec}))
return out
`)

var deleteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then return false end
redis.call('DEL', KEYS[1])
local rec = cjson.decode(data)
rec['seq'] = redis.call('INCR', KEYS[2])
redis.call('PUBLISH', KEYS[3], cjson.encode({op = 'delete', record = rec}))
return 1
`)

var demoteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then return 0 end
local rec = cjson.decode(data)
if not rec['active'] or rec['last_update_ms'] >= tonumber(ARGV[1]) then return 0 end
rec['active'] = false
rec['seq'] = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], cjson.encode(rec))
redis.call('PUBLISH', KEYS[3], cjson.encode({op = 'update', record = rec}))
return 1
`)

type Store struct {
	client *redis.Client
	log    log.Logger

	// Now is the store clock, overridable in tests.
	Now func() time.Time
}

func NewStore(client *redis.Client) *Store {
	st := &Store{client: client}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "redisstore").Value()
	st.Now = time.Now
	return st
}

func (st *Store) Ping(ctx context.Context) error {
	return st.client.Ping(ctx).Err()
}

func (st *Store) Upsert(ctx context.Context, w store.Write) (*presence.Record, error) {
	now := st.Now().UTC()
	data, err := upsertScript.Run(ctx, st.client,
		[]string{recKey(w.UserID), seqKey, feedChannel},
		w.UserID,
		strconv.FormatFloat(w.Latitude, 'f', -1, 64),
		strconv.FormatFloat(w.Longitude, 'f', -1, 64),
		strconv.FormatFloat(float64(w.Accuracy), 'f', -1, 32),
		boolArg(w.Active),
		now.Format(time.RFC3339Nano),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert presence: %w", err)
	}
	return decodeRecord([]byte(data))
}

func (st *Store) SetActive(ctx context.Context, userID string, active bool) (*presence.Record, error) {
	now := st.Now().UTC()
	data, err := setActiveScript.Run(ctx, st.client,
		[]string{recKey(userID), seqKey, feedChannel},
		boolArg(active),
		now.Format(time.RFC3339Nano),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set active flag: %w", err)
	}
	return decodeRecord([]byte(data))
}

func (st *Store) Get(ctx context.Context, userID string) (*presence.Record, error) {
	data, err := st.client.Get(ctx, recKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	return decodeRecord([]byte(data))
}

func (st *Store) List(ctx context.Context, f store.Filter) ([]presence.Record, error) {
	keys, err := st.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := st.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to bulk get presence: %w", err)
	}
	out := make([]presence.Record, 0, len(vals))
	for _, v := range vals {
		data, ok := v.(string)
		if !ok {
			// key expired between SCAN and MGET
			continue
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			st.log.Warn().Err(err).Msg("skipping undecodable presence record")
			continue
		}
		if f.ActiveOnly && !rec.Active {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (st *Store) Delete(ctx context.Context, userID string) error {
	err := deleteScript.Run(ctx, st.client, []string{recKey(userID), seqKey, feedChannel}).Err()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

func (st *Store) DemoteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := st.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	cutoffMs := strconv.FormatInt(cutoff.UnixMilli(), 10)
	var n int64
	for _, key := range keys {
		// the script re-checks active and age, so records written between
		// the scan and this call are left alone
		demoted, err := demoteScript.Run(ctx, st.client, []string{key, seqKey, feedChannel}, cutoffMs).Int64()
		if err != nil {
			return n, fmt.Errorf("failed to demote %s: %w", key, err)
		}
		n += demoted
	}
	return n, nil
}

func (st *Store) Subscribe(ctx context.Context) (store.Feed, error) {
	pubsub := st.client.Subscribe(ctx, feedChannel)
	// force the SUBSCRIBE round trip so a broken connection fails here, not
	// silently in the reader
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
	}
	f := &feed{ch: make(chan store.Change, 64), pubsub: pubsub}
	go f.run(ctx, st.log)
	return f, nil
}

func (st *Store) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := st.client.Scan(ctx, 0, recKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	return keys, nil
}

func recKey(userID string) string {
	return recKeyPrefix + userID
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// row mirrors the cjson encoding used by the mutation scripts.
type row struct {
	UserID       string    `json:"user_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float32   `json:"accuracy"`
	Active       bool      `json:"active"`
	LastUpdateAt time.Time `json:"last_update_at"`
	Seq          uint64    `json:"seq"`
}

func (r *row) record() presence.Record {
	return presence.Record{
		UserID:       r.UserID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Accuracy:     r.Accuracy,
		Active:       r.Active,
		LastUpdateAt: r.LastUpdateAt,
		Seq:          r.Seq,
	}
}

func decodeRecord(data []byte) (*presence.Record, error) {
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	rec := r.record()
	return &rec, nil
}

type feed struct {
	ch     chan store.Change
	pubsub *redis.PubSub
	mu     sync.Mutex
	closed bool
	err    error
}

func (f *feed) run(ctx context.Context, lg log.Logger) {
	defer close(f.ch)
	msgs := f.pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				f.mu.Lock()
				if !f.closed {
					f.err = errors.New("pubsub connection lost")
				}
				f.mu.Unlock()
				return
			}
			var note struct {
				Op     store.Op `json:"op"`
				Record row      `json:"record"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				lg.Error().Err(err).Str("payload", msg.Payload).Msg("undecodable change notification")
				continue
			}
			select {
			case f.ch <- store.Change{Op: note.Op, Record: note.Record.record()}:
			case <-ctx.Done():
				f.setErr(ctx.Err())
				return
			}
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
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.pubsub.Close()
}

func (f *feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
