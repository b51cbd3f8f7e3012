package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/presence/internal/store/impl/memstore"
	"nuha.dev/presence/internal/storesrv"
)

func quiet() log.Logger {
	return log.Logger{Level: log.PanicLevel}
}

// newTestClient runs the real store API over httptest so the client is
// exercised against the handlers it talks to in production.
func newTestClient(t *testing.T, userID, role string) (*Client, func()) {
	t.Helper()
	auth := storesrv.NewTokenAuth("client-test-secret")
	api := storesrv.NewApi(memstore.NewStore(), auth, nil, storesrv.NewStat(), &storesrv.ApiConfig{})
	srv := httptest.NewServer(api.Handler())
	tok, err := auth.Mint(userID, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c := New(Config{BaseURL: srv.URL, Token: tok, UserID: userID, Timeout: 5 * time.Second}, quiet())
	return c, srv.Close
}

func TestClientRoundTrip(t *testing.T) {
	c, done := newTestClient(t, "alice", storesrv.RoleAgent)
	defer done()
	ctx := context.Background()

	rec, err := c.Upsert(ctx, -6.2, 106.8, 12, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserID != "alice" || !rec.Active || rec.Latitude != -6.2 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	self, err := c.Self(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if self.Seq != rec.Seq {
		t.Fatalf("self lookup mismatch: %+v vs %+v", self, rec)
	}

	rec, err = c.SetActive(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Active {
		t.Fatal("record should be inactive")
	}

	if err := c.Unregister(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Self(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unregister, got %v", err)
	}
}

func TestClientSetActiveMissing(t *testing.T) {
	c, done := newTestClient(t, "ghost", storesrv.RoleAgent)
	defer done()
	if _, err := c.SetActive(context.Background(), false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientBadToken(t *testing.T) {
	c, done := newTestClient(t, "alice", storesrv.RoleAgent)
	defer done()
	c.conf.Token = "garbage"
	if _, err := c.Upsert(context.Background(), 1, 2, 3, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClientObserverCannotWrite(t *testing.T) {
	c, done := newTestClient(t, "alice", storesrv.RoleObserver)
	defer done()
	if _, err := c.Upsert(context.Background(), 1, 2, 3, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("observer tokens must not write, got %v", err)
	}
}

func TestClientInvalidCoordinates(t *testing.T) {
	c, done := newTestClient(t, "alice", storesrv.RoleAgent)
	defer done()
	if _, err := c.Upsert(context.Background(), 123.0, 106.8, 12, true); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for latitude 123, got %v", err)
	}
}
