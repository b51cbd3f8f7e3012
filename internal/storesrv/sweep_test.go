package storesrv

import (
	"context"
	"testing"
	"time"

	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/store/impl/memstore"
)

func TestSweepDemotesOnlyStale(t *testing.T) {
	st := memstore.NewStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	st.Now = func() time.Time { return base }
	if _, err := st.Upsert(ctx, store.Write{UserID: "quiet", Active: true}); err != nil {
		t.Fatal(err)
	}
	st.Now = func() time.Time { return base.Add(3 * time.Minute) }
	if _, err := st.Upsert(ctx, store.Write{UserID: "chatty", Active: true}); err != nil {
		t.Fatal(err)
	}

	stat := NewStat()
	sw := NewSweeper(st, 2*time.Minute, time.Second, stat)
	sw.Now = func() time.Time { return base.Add(3 * time.Minute) }
	sw.sweep(ctx)

	quiet, _ := st.Get(ctx, "quiet")
	if quiet.Active {
		t.Fatal("stale record not demoted")
	}
	chatty, _ := st.Get(ctx, "chatty")
	if !chatty.Active {
		t.Fatal("fresh record demoted")
	}
	if stat.Status().SweepDemoted != 1 {
		t.Fatalf("expected 1 demotion counted, got %d", stat.Status().SweepDemoted)
	}

	// a second pass with the same clock demotes nothing
	sw.sweep(ctx)
	if stat.Status().SweepDemoted != 1 {
		t.Fatal("sweep is not idempotent")
	}
}
