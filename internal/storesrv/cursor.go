package storesrv

import (
	"errors"

	"github.com/speps/go-hashids/v2"
)

// Cursor encodes feed sequence numbers into short opaque strings so clients
// cannot fabricate or arithmetic on resume positions.
type Cursor struct {
	h *hashids.HashID
}

func NewCursor(salt string) (*Cursor, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &Cursor{h: h}, nil
}

func (c *Cursor) Encode(seq uint64) string {
	if seq == 0 {
		return ""
	}
	s, err := c.h.EncodeInt64([]int64{int64(seq)})
	if err != nil {
		return ""
	}
	return s
}

func (c *Cursor) Decode(s string) (uint64, error) {
	ns, err := c.h.DecodeInt64WithError(s)
	if err != nil {
		return 0, err
	}
	if len(ns) != 1 || ns[0] <= 0 {
		return 0, errors.New("malformed cursor")
	}
	return uint64(ns[0]), nil
}
