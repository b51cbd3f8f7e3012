package presence

import (
	"testing"
	"time"
)

func TestClassifyFresh(t *testing.T) {
	now := time.Now()
	rec := &Record{UserID: "u1", Active: true, LastUpdateAt: now}
	if Classify(rec, now, DefaultFreshnessWindow) != Online {
		t.Error("active record written just now must be online")
	}
}

func TestClassifyWindowBoundary(t *testing.T) {
	window := 120 * time.Second
	t0 := time.Now()
	rec := &Record{UserID: "u1", Active: true, LastUpdateAt: t0}

	if Classify(rec, t0.Add(window-time.Millisecond), window) != Online {
		t.Error("record inside window must be online")
	}
	if Classify(rec, t0.Add(window), window) != Offline {
		t.Error("record exactly at window must be offline")
	}
	if Classify(rec, t0.Add(window+time.Hour), window) != Offline {
		t.Error("record past window must be offline")
	}
}

func TestClassifyInactive(t *testing.T) {
	now := time.Now()
	rec := &Record{UserID: "u1", Active: false, LastUpdateAt: now}
	if Classify(rec, now, DefaultFreshnessWindow) != Offline {
		t.Error("inactive record must be offline regardless of freshness")
	}
}

func TestClassifyNil(t *testing.T) {
	if Classify(nil, time.Now(), DefaultFreshnessWindow) != Offline {
		t.Error("missing record must be offline")
	}
}

func TestClassifyAnyWindow(t *testing.T) {
	t0 := time.Now()
	rec := &Record{UserID: "u1", Active: true, LastUpdateAt: t0}
	for _, window := range []time.Duration{time.Second, time.Minute, 10 * time.Minute} {
		if Classify(rec, t0, window) != Online {
			t.Errorf("window %v: fresh record must be online", window)
		}
		if Classify(rec, t0.Add(window), window) != Offline {
			t.Errorf("window %v: aged record must be offline", window)
		}
	}
}

func TestStale(t *testing.T) {
	window := 2 * time.Minute
	t0 := time.Now()

	active := &Record{Active: true, LastUpdateAt: t0}
	if Stale(active, t0.Add(time.Second), window) {
		t.Error("fresh active record is not stale")
	}
	if !Stale(active, t0.Add(window), window) {
		t.Error("aged active record is stale")
	}

	// inactive records are never sweep candidates
	inactive := &Record{Active: false, LastUpdateAt: t0}
	if Stale(inactive, t0.Add(10*window), window) {
		t.Error("inactive record is never stale")
	}
}

func TestEventFrom(t *testing.T) {
	now := time.Now()
	rec := &Record{UserID: "u2", Latitude: -6.2, Longitude: 106.8, Accuracy: 12, Active: true, LastUpdateAt: now}
	ev := EventFrom(rec, now, DefaultFreshnessWindow)
	if !ev.Online {
		t.Error("fresh record maps to online event")
	}
	if ev.UserID != "u2" || ev.Latitude != -6.2 || ev.Longitude != 106.8 || ev.Accuracy != 12 {
		t.Errorf("event fields not carried over: %+v", ev)
	}
	stale := EventFrom(rec, now.Add(time.Hour), DefaultFreshnessWindow)
	if stale.Online {
		t.Error("aged record maps to offline event")
	}
}
