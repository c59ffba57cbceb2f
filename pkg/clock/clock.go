package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/log"
)

// ServerClock estimates the current server time from the last reported
// server timestamp and the local monotonic clock. Extrapolation from the
// anchor is immune to wall-clock adjustments between captures.
type ServerClock struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	serverMs   int64
	capturedAt time.Time
	anchored   bool
}

func NewServerClock(c clockwork.Clock) *ServerClock {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &ServerClock{
		clock: c,
	}
}

// CaptureAnchor records a server timestamp against the current local
// monotonic reading. Absent or unparseable timestamps leave the previous
// anchor in place.
func (c *ServerClock) CaptureAnchor(ts farm.Timestamp) {
	if ts.IsZero() {
		log.Trace("Ignoring empty server timestamp, keeping previous anchor")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverMs = ts.Milliseconds()
	c.capturedAt = c.clock.Now()
	c.anchored = true
}

// NowMs returns the best current estimate of server time in epoch
// milliseconds. Before the first anchor capture it falls back to the
// local wall clock.
func (c *ServerClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		return c.clock.Now().UnixMilli()
	}
	return c.serverMs + c.clock.Since(c.capturedAt).Milliseconds()
}

// Anchored reports whether a usable server timestamp has ever been captured.
func (c *ServerClock) Anchored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchored
}
