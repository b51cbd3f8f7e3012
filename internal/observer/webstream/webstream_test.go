package webstream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/presence/internal/observer/fanout"
	"nuha.dev/presence/internal/observer/feedclient"
	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

type fakeVerifier struct {
	users map[string]string
}

func (v *fakeVerifier) VerifyWsToken(ctx context.Context, token string) (string, error) {
	if u, ok := v.users[token]; ok {
		return u, nil
	}
	return "", errors.New("unknown token")
}

type wsHarness struct {
	fan     *fanout.Fanout
	updates chan feedclient.Update
	ts      *httptest.Server
}

func newWsHarness(t *testing.T, conf WebStreamConfig) *wsHarness {
	t.Helper()
	fan, err := fanout.New(nil, fanout.Config{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	updates := make(chan feedclient.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go fan.Run(ctx, updates)

	verifier := &fakeVerifier{users: map[string]string{"tok-good": "dash"}}
	ws := NewWebstream(fan, verifier, conf)
	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &wsHarness{fan: fan, updates: updates, ts: ts}
}

func (h *wsHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(token)); err != nil {
		t.Fatal(err)
	}
	return c
}

func (h *wsHarness) seed(t *testing.T, recs ...presence.Record) {
	t.Helper()
	h.updates <- feedclient.Update{Snapshot: recs}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.fan.Snapshot()) >= len(recs) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("fanout never absorbed seed records")
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, c, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func activeRec(userID string, seq uint64) presence.Record {
	return presence.Record{UserID: userID, Latitude: 1, Active: true, LastUpdateAt: time.Now(), Seq: seq}
}

func TestSnapshotThenLiveEvents(t *testing.T) {
	h := newWsHarness(t, WebStreamConfig{})
	h.seed(t, activeRec("u1", 1))

	c := h.dial(t, "tok-good")
	defer c.Close(websocket.StatusNormalClosure, "")

	snap := readFrame(t, c)
	if snap.Type != "snapshot" || len(snap.Events) != 1 || snap.Events[0].UserID != "u1" {
		t.Fatalf("unexpected snapshot frame %+v", snap)
	}

	h.updates <- feedclient.Update{Change: &store.Change{Op: store.OpInsert, Record: activeRec("u2", 2)}}
	for {
		f := readFrame(t, c)
		if f.Type != "event" || f.Event == nil {
			t.Fatalf("unexpected frame %+v", f)
		}
		if f.Event.UserID == "u2" {
			break
		}
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newWsHarness(t, WebStreamConfig{})
	c := h.dial(t, "tok-bad")
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestMockTokenSkipsAuth(t *testing.T) {
	h := newWsHarness(t, WebStreamConfig{MockToken: true})
	c := h.dial(t, "anything")
	defer c.Close(websocket.StatusNormalClosure, "")

	snap := readFrame(t, c)
	if snap.Type != "snapshot" {
		t.Fatalf("expected snapshot, got %+v", snap)
	}
}

func TestIdleConnectionTimesOut(t *testing.T) {
	h := newWsHarness(t, WebStreamConfig{IdleTimeout: 60 * time.Millisecond})
	c := h.dial(t, "tok-good")
	defer c.Close(websocket.StatusNormalClosure, "")
	readFrame(t, c) // snapshot

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected idle close")
	}
}

func TestClientFramesResetIdleTimer(t *testing.T) {
	h := newWsHarness(t, WebStreamConfig{IdleTimeout: 120 * time.Millisecond})
	c := h.dial(t, "tok-good")
	defer c.Close(websocket.StatusNormalClosure, "")
	readFrame(t, c) // snapshot

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// keep the connection chatty across several idle windows
	for i := 0; i < 10; i++ {
		if err := c.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
			t.Fatalf("ping %d failed: %v", i, err)
		}
		time.Sleep(40 * time.Millisecond)
	}

	h.updates <- feedclient.Update{Change: &store.Change{Op: store.OpInsert, Record: activeRec("late", 9)}}
	f := readFrame(t, c)
	if f.Type != "event" || f.Event == nil || f.Event.UserID != "late" {
		t.Fatalf("connection should still be live, got %+v", f)
	}
}
