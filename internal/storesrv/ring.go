package storesrv

import (
	"sync"

	"nuha.dev/presence/internal/store"
)

// changeRing keeps the most recent feed changes for cursor resume. A client
// whose cursor fell off the ring gets a snapshot instead of a replay.
type changeRing struct {
	mu   sync.Mutex
	buf  []store.Change
	head int
	size int
}

func newChangeRing(capacity int) *changeRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &changeRing{buf: make([]store.Change, capacity)}
}

func (r *changeRing) Add(c store.Change) {
	r.mu.Lock()
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()
}

// LastSeq returns the newest buffered sequence, 0 when empty.
func (r *changeRing) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 0
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)].Record.Seq
}

// Since returns the buffered changes with seq greater than after, oldest
// first. ok is false when continuity from after cannot be proven (empty
// ring, or the entry right past after was already evicted); sequence
// numbers may skip, so a skip at the buffer edge also forces ok=false,
// which merely costs the client a snapshot.
func (r *changeRing) Since(after uint64) ([]store.Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil, false
	}
	oldest := r.buf[(r.head-r.size+len(r.buf))%len(r.buf)].Record.Seq
	newest := r.buf[(r.head-1+len(r.buf))%len(r.buf)].Record.Seq
	if after >= newest {
		// nothing newer buffered; resume is continuous only if the client
		// is exactly at the tip
		if after == newest {
			return nil, true
		}
		return nil, false
	}
	if oldest > after+1 {
		return nil, false
	}
	out := make([]store.Change, 0, r.size)
	for i := 0; i < r.size; i++ {
		c := r.buf[(r.head-r.size+i+len(r.buf))%len(r.buf)]
		if c.Record.Seq > after {
			out = append(out, c)
		}
	}
	return out, true
}
