package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/presence/internal/store"
)

func getTestClient(t *testing.T) *redis.Client {
	t.Helper()
	// DB 1 so test keys never touch a dev instance's data
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return client
}

func cleanupTestKeys(t *testing.T, client *redis.Client) {
	t.Helper()
	ctx := context.Background()
	iter := client.Scan(ctx, 0, recKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		client.Del(ctx, iter.Val())
	}
	client.Del(ctx, seqKey)
}

func TestUpsertRoundTrip(t *testing.T) {
	client := getTestClient(t)
	defer cleanupTestKeys(t, client)
	st := NewStore(client)
	ctx := context.Background()

	rec, err := st.Upsert(ctx, store.Write{UserID: "u1", Latitude: 1.35, Longitude: 103.82, Accuracy: 12, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.True(t, rec.Active)
	assert.NotZero(t, rec.Seq)

	got, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec.Latitude, got.Latitude)
	assert.Equal(t, rec.Seq, got.Seq)

	// second upsert replaces in place
	rec2, err := st.Upsert(ctx, store.Write{UserID: "u1", Latitude: 1.36, Longitude: 103.82, Accuracy: 8, Active: true})
	require.NoError(t, err)
	assert.Greater(t, rec2.Seq, rec.Seq)

	recs, err := st.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "upsert must never create a second record per user")
}

func TestSetActiveMissing(t *testing.T) {
	client := getTestClient(t)
	defer cleanupTestKeys(t, client)
	st := NewStore(client)

	_, err := st.SetActive(context.Background(), "nobody", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDemoteStaleConditional(t *testing.T) {
	client := getTestClient(t)
	defer cleanupTestKeys(t, client)
	st := NewStore(client)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	st.Now = func() time.Time { return base }
	_, err := st.Upsert(ctx, store.Write{UserID: "old", Active: true})
	require.NoError(t, err)
	st.Now = func() time.Time { return base.Add(time.Minute) }
	_, err = st.Upsert(ctx, store.Write{UserID: "fresh", Active: true})
	require.NoError(t, err)

	n, err := st.DemoteStale(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := st.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.True(t, old.LastUpdateAt.Equal(base), "demotion must not touch last_update_at")

	fresh, err := st.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.Active)

	n, err = st.DemoteStale(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep over the same cutoff must demote nothing")
}

func TestFeedDeliversChanges(t *testing.T) {
	client := getTestClient(t)
	defer cleanupTestKeys(t, client)
	st := NewStore(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := st.Subscribe(ctx)
	require.NoError(t, err)
	defer f.Close()

	_, err = st.Upsert(ctx, store.Write{UserID: "u1", Latitude: 1, Active: true})
	require.NoError(t, err)

	select {
	case c := <-f.Changes():
		assert.Equal(t, store.OpInsert, c.Op)
		assert.Equal(t, "u1", c.Record.UserID)
	case <-time.After(3 * time.Second):
		t.Fatal("no change received")
	}

	require.NoError(t, st.Delete(ctx, "u1"))
	select {
	case c := <-f.Changes():
		assert.Equal(t, store.OpDelete, c.Op)
	case <-time.After(3 * time.Second):
		t.Fatal("no delete received")
	}
}
