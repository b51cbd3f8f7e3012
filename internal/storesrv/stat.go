package storesrv

import (
	"sync"
	"sync/atomic"
	"time"
)

type counter struct {
	Base time.Time `json:"base"`
	Cnt  uint64    `json:"count"`
}

type time_event struct {
	list [10]time.Time
	idx  int
	mu   sync.Mutex
}

func (l *time_event) add(t time.Time) {
	l.mu.Lock()
	l.list[l.idx] = t
	l.idx = l.idx + 1
	if l.idx == len(l.list) {
		l.idx = 0
	}
	l.mu.Unlock()
}

func (l *time_event) recent() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, 0, len(l.list))
	for _, t := range l.list {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// Stat collects cheap service counters for /statusz: write rate per minute,
// recent feed connect/disconnect/auth-failure times, connected feed clients
// and cumulative sweep demotions.
type Stat struct {
	connect      time_event
	disconnect   time_event
	auth_fail    time_event
	mu           sync.Mutex
	buf          [100]counter
	phead        int
	dur          time.Duration
	feed_clients int64
	demoted      uint64

	created time.Time
}

func NewStat() *Stat {
	o := &Stat{}
	o.dur = time.Minute
	o.created = time.Now()
	return o
}

func (s *Stat) ConnectEv(t time.Time)    { s.connect.add(t) }
func (s *Stat) DisconnectEv(t time.Time) { s.disconnect.add(t) }
func (s *Stat) AuthFailEv(t time.Time)   { s.auth_fail.add(t) }

func (s *Stat) ClientAdd()    { atomic.AddInt64(&s.feed_clients, 1) }
func (s *Stat) ClientRemove() { atomic.AddInt64(&s.feed_clients, -1) }

func (s *Stat) DemotedAdd(n int64) { atomic.AddUint64(&s.demoted, uint64(n)) }

func (s *Stat) WriteEv(amt uint64, t time.Time) {
	s.mu.Lock()
	f := t.Truncate(s.dur)
	last := &s.buf[s.phead]
	if f.After(last.Base) {
		if last.Cnt != 0 {
			s.phead = s.phead + 1
			if s.phead == len(s.buf) {
				s.phead = 0
			}
		}
		s.buf[s.phead].Base = f
		s.buf[s.phead].Cnt = amt
	} else if f.Equal(last.Base) {
		last.Cnt = last.Cnt + amt
	}
	s.mu.Unlock()
}

type StatusReport struct {
	UptimeSec         int64       `json:"uptime_sec"`
	FeedClients       int64       `json:"feed_clients"`
	SweepDemoted      uint64      `json:"sweep_demoted"`
	WritesPerMin      []counter   `json:"writes_per_min"`
	RecentConnects    []time.Time `json:"recent_connects"`
	RecentDisconnects []time.Time `json:"recent_disconnects"`
	RecentAuthFails   []time.Time `json:"recent_auth_fails"`
}

func (s *Stat) Status() StatusReport {
	rep := StatusReport{
		UptimeSec:         int64(time.Since(s.created).Seconds()),
		FeedClients:       atomic.LoadInt64(&s.feed_clients),
		SweepDemoted:      atomic.LoadUint64(&s.demoted),
		RecentConnects:    s.connect.recent(),
		RecentDisconnects: s.disconnect.recent(),
		RecentAuthFails:   s.auth_fail.recent(),
	}
	s.mu.Lock()
	for _, c := range s.buf {
		if c.Cnt != 0 {
			rep.WritesPerMin = append(rep.WritesPerMin, c)
		}
	}
	s.mu.Unlock()
	return rep
}
