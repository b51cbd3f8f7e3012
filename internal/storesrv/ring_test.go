package storesrv

import (
	"testing"

	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
)

func chg(seq uint64) store.Change {
	return store.Change{Op: store.OpUpdate, Record: presence.Record{UserID: "u", Seq: seq}}
}

func TestRingSinceEmpty(t *testing.T) {
	r := newChangeRing(4)
	if _, ok := r.Since(0); ok {
		t.Fatal("empty ring cannot prove continuity")
	}
}

func TestRingSinceContinuous(t *testing.T) {
	r := newChangeRing(4)
	for seq := uint64(1); seq <= 3; seq++ {
		r.Add(chg(seq))
	}
	out, ok := r.Since(1)
	if !ok {
		t.Fatal("expected replay")
	}
	if len(out) != 2 || out[0].Record.Seq != 2 || out[1].Record.Seq != 3 {
		t.Fatalf("unexpected replay %+v", out)
	}
}

func TestRingSinceAtTip(t *testing.T) {
	r := newChangeRing(4)
	r.Add(chg(5))
	out, ok := r.Since(5)
	if !ok || len(out) != 0 {
		t.Fatalf("cursor at tip should replay nothing, got ok=%v len=%d", ok, len(out))
	}
}

func TestRingSinceEvicted(t *testing.T) {
	r := newChangeRing(2)
	for seq := uint64(1); seq <= 4; seq++ {
		r.Add(chg(seq))
	}
	// oldest retained is 3, so continuity from 1 is gone
	if _, ok := r.Since(1); ok {
		t.Fatal("evicted cursor must not replay")
	}
	out, ok := r.Since(2)
	if !ok {
		t.Fatal("cursor adjacent to oldest retained should replay")
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(out))
	}
}

func TestRingSinceAhead(t *testing.T) {
	r := newChangeRing(4)
	r.Add(chg(2))
	if _, ok := r.Since(9); ok {
		t.Fatal("cursor ahead of ring must force snapshot")
	}
}

func TestRingLastSeq(t *testing.T) {
	r := newChangeRing(4)
	if r.LastSeq() != 0 {
		t.Fatal("empty ring should report 0")
	}
	r.Add(chg(7))
	r.Add(chg(8))
	if r.LastSeq() != 8 {
		t.Fatalf("expected 8, got %d", r.LastSeq())
	}
}
