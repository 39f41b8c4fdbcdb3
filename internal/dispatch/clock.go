package dispatch

import "time"

// captureClock follows packet timestamps and advances with wall time between
// packets, so that idle timeouts work both for live capture and for replayed
// files whose timestamps lie in the past.
type captureClock struct {
	last   time.Time
	seenAt time.Time
	wall   func() time.Time
}

func (c *captureClock) observe(ts time.Time) {
	if ts.IsZero() || ts.Before(c.last) {
		return
	}
	c.last = ts
	c.seenAt = c.wallNow()
}

func (c *captureClock) now() time.Time {
	if c.last.IsZero() {
		return c.wallNow()
	}
	return c.last.Add(c.wallNow().Sub(c.seenAt))
}

func (c *captureClock) wallNow() time.Time {
	if c.wall != nil {
		return c.wall()
	}
	return time.Now()
}
