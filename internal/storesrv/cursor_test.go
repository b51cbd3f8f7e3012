package storesrv

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	c, err := NewCursor("test-salt")
	if err != nil {
		t.Fatal(err)
	}
	for _, seq := range []uint64{1, 42, 1 << 40} {
		enc := c.Encode(seq)
		if enc == "" {
			t.Fatalf("empty cursor for seq %d", seq)
		}
		dec, err := c.Decode(enc)
		if err != nil {
			t.Fatal(err)
		}
		if dec != seq {
			t.Fatalf("expected %d, got %d", seq, dec)
		}
	}
}

func TestCursorZero(t *testing.T) {
	c, _ := NewCursor("test-salt")
	if c.Encode(0) != "" {
		t.Fatal("seq 0 must encode empty")
	}
}

func TestCursorGarbage(t *testing.T) {
	c, _ := NewCursor("test-salt")
	if _, err := c.Decode("not-a-cursor!!"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCursorSaltMismatch(t *testing.T) {
	a, _ := NewCursor("salt-a")
	b, _ := NewCursor("salt-b")
	enc := a.Encode(1234)
	if dec, err := b.Decode(enc); err == nil && dec == 1234 {
		t.Fatal("cursor decoded across salts")
	}
}
