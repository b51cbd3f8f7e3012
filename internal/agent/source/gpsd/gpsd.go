// Package gpsd reads position samples from a gpsd daemon over its
// line-oriented JSON protocol (?WATCH + TPV reports).
package gpsd

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/presence/internal/agent/source"
	"nuha.dev/presence/internal/util/wc"
)

const watchCmd = `?WATCH={"enable":true,"json":true};` + "\n"

type Config struct {
	Addr        string
	DialTimeout time.Duration
	// MalformedCap bounds consecutive unparseable lines tolerated on a
	// connection before it is torn down and redialed.
	MalformedCap int
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:2947"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MalformedCap == 0 {
		c.MalformedCap = 5
	}
}

type GPSD struct {
	conf Config
	log  log.Logger
	cid  uint64
}

func New(conf Config, logger log.Logger) *GPSD {
	conf.setDefaults()
	g := &GPSD{conf: conf, log: logger}
	g.log.Context = log.NewContext(nil).Str("module", "gpsd").Value()
	return g
}

// tpv is the subset of a gpsd TPV report this client cares about.
// mode 0/1 means no fix, 2 means 2D, 3 means 3D.
type tpv struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Time  string  `json:"time"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Eph   float32 `json:"eph"`
	Epx   float32 `json:"epx"`
	Epy   float32 `json:"epy"`
}

func (t *tpv) position() source.Position {
	pos := source.Position{Latitude: t.Lat, Longitude: t.Lon}
	switch {
	case t.Eph > 0:
		pos.Accuracy = t.Eph
	case t.Epx > 0 || t.Epy > 0:
		pos.Accuracy = t.Epx
		if t.Epy > pos.Accuracy {
			pos.Accuracy = t.Epy
		}
	default:
		// No error estimate in the report. Pessimistic value, the
		// accuracy filter decides what to do with it.
		pos.Accuracy = 50
	}
	if ts, err := time.Parse(time.RFC3339, t.Time); err == nil {
		pos.Time = ts.UTC()
	} else {
		pos.Time = time.Now().UTC()
	}
	return pos
}

func (g *GPSD) dial(ctx context.Context) (*wc.Conn, error) {
	d := net.Dialer{Timeout: g.conf.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", g.conf.Addr)
	if err != nil {
		g.log.Error().Err(err).Str("addr", g.conf.Addr).Msg("gpsd dial failed")
		return nil, source.ErrUnavailable
	}
	cid := atomic.AddUint64(&g.cid, 1)
	c := wc.NewWrappedConn(conn, g.conf.Addr, cid, g.log)
	if _, err := c.Write([]byte(watchCmd)); err != nil {
		c.Close()
		return nil, source.ErrUnavailable
	}
	return c, nil
}

// next reads lines until a TPV with a fix arrives. Unparseable lines are
// tolerated up to the configured cap; gpsd occasionally emits garbage
// when its own device hiccups.
func (g *GPSD) next(c *wc.Conn, deadline time.Time) (source.Position, error) {
	malformed := 0
	for {
		if !deadline.IsZero() {
			_ = c.SetReadDeadline(deadline)
		}
		line, err := c.ReadBytes('\n')
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return source.Position{}, source.ErrTimeout
			}
			return source.Position{}, source.ErrUnavailable
		}
		var rep tpv
		if err := json.Unmarshal(line, &rep); err != nil {
			malformed++
			if malformed >= g.conf.MalformedCap {
				g.log.Warn().Int("lines", malformed).Msg("too many malformed gpsd lines")
				return source.Position{}, source.ErrUnavailable
			}
			continue
		}
		malformed = 0
		if rep.Class != "TPV" || rep.Mode < 2 {
			continue
		}
		return rep.position(), nil
	}
}

func (g *GPSD) GetOnce(ctx context.Context) (source.Position, error) {
	c, err := g.dial(ctx)
	if err != nil {
		return source.Position{}, err
	}
	defer c.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(15 * time.Second)
	}
	return g.next(c, deadline)
}

func (g *GPSD) Watch(fn func(source.Position)) (source.Subscription, error) {
	sub := &subscription{stop: make(chan struct{})}
	go g.watch(sub, fn)
	return sub, nil
}

// watch redials forever with capped backoff. The sequence is infinite
// and restartable; a dead gpsd shows up as silence, not as an error to
// the consumer.
func (g *GPSD) watch(sub *subscription, fn func(source.Position)) {
	backoff := time.Second
	for {
		select {
		case <-sub.stop:
			return
		default:
		}
		c, err := g.dial(context.Background())
		if err != nil {
			select {
			case <-sub.stop:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		sub.setConn(c)
		backoff = time.Second
		for {
			pos, err := g.next(c, time.Time{})
			if err != nil {
				g.log.Warn().Err(err).Msg("gpsd stream interrupted")
				c.Close()
				break
			}
			select {
			case <-sub.stop:
				c.Close()
				return
			default:
			}
			fn(pos)
		}
	}
}

type subscription struct {
	once sync.Once
	stop chan struct{}

	mu   sync.Mutex
	conn *wc.Conn
}

func (s *subscription) setConn(c *wc.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *subscription) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.conn != nil && !s.conn.Closed() {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}
