// Package sim is a positioning backend for demos and tests: a random
// walk around a starting coordinate with jittered accuracy.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"nuha.dev/presence/internal/agent/source"
)

type Config struct {
	Latitude  float64
	Longitude float64
	// StepMeters is the walk distance per interval.
	StepMeters float64
	Interval   time.Duration
	// AccuracyMin/Max bound the jittered accuracy, meters.
	AccuracyMin float32
	AccuracyMax float32
	Seed        int64
}

func (c *Config) setDefaults() {
	if c.Latitude == 0 && c.Longitude == 0 {
		c.Latitude, c.Longitude = -6.1754, 106.8272
	}
	if c.StepMeters == 0 {
		c.StepMeters = 8
	}
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.AccuracyMin == 0 {
		c.AccuracyMin = 5
	}
	if c.AccuracyMax == 0 {
		c.AccuracyMax = 18
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

type Sim struct {
	conf Config

	mu  sync.Mutex
	rnd *rand.Rand
	lat float64
	lng float64
}

func New(conf Config) *Sim {
	conf.setDefaults()
	return &Sim{
		conf: conf,
		rnd:  rand.New(rand.NewSource(conf.Seed)),
		lat:  conf.Latitude,
		lng:  conf.Longitude,
	}
}

// step moves roughly StepMeters in a random direction. One degree of
// latitude is ~111km; longitude scaling by cos(lat) is skipped, the
// walk does not need to be geodesically honest.
func (s *Sim) step() source.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	deg := s.conf.StepMeters / 111_000.0
	s.lat += (s.rnd.Float64()*2 - 1) * deg
	s.lng += (s.rnd.Float64()*2 - 1) * deg
	span := s.conf.AccuracyMax - s.conf.AccuracyMin
	acc := s.conf.AccuracyMin + s.rnd.Float32()*span
	return source.Position{
		Latitude:  s.lat,
		Longitude: s.lng,
		Accuracy:  acc,
		Time:      time.Now().UTC(),
	}
}

func (s *Sim) GetOnce(ctx context.Context) (source.Position, error) {
	select {
	case <-ctx.Done():
		return source.Position{}, source.ErrTimeout
	default:
	}
	return s.step(), nil
}

func (s *Sim) Watch(fn func(source.Position)) (source.Subscription, error) {
	sub := &subscription{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(s.conf.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.stop:
				return
			case <-ticker.C:
				fn(s.step())
			}
		}
	}()
	return sub, nil
}

type subscription struct {
	once sync.Once
	stop chan struct{}
}

func (s *subscription) Stop() {
	s.once.Do(func() { close(s.stop) })
}
