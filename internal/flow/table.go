package flow

import (
	"strconv"
	"time"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
	"firestige.xyz/layers/internal/metrics"
)

const (
	DefaultIdleTimeout       = 30 * time.Second
	DefaultMaxDetectAttempts = 10
)

// Options are shared by a table and all of its sessions.
type Options struct {
	Engine   classifier.Engine
	Registry *dissector.Registry
	// Sink receives inspector events; nil disables them.
	Sink event.Sink

	IdleTimeout       time.Duration
	MaxDetectAttempts int
	// ReorderWindow bounds held out-of-order segments per direction. Zero
	// drops anything that does not start at the expected sequence.
	ReorderWindow int

	Transport core.Transport
	// Worker labels metrics.
	Worker int
}

// Table maps flow keys to sessions for one worker and one transport.
type Table struct {
	opts      Options
	sessions  map[core.FlowKey]*Session
	lastSweep time.Time

	workerLabel string
}

// NewTable creates an empty table. Zero IdleTimeout and MaxDetectAttempts take
// their defaults; ReorderWindow is used as given.
func NewTable(opts Options) *Table {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxDetectAttempts <= 0 {
		opts.MaxDetectAttempts = DefaultMaxDetectAttempts
	}
	return &Table{
		opts:        opts,
		sessions:    make(map[core.FlowKey]*Session),
		workerLabel: strconv.Itoa(opts.Worker),
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return len(t.sessions) }

// Lookup returns the session for key, if any.
func (t *Table) Lookup(key core.FlowKey) (*Session, bool) {
	s, ok := t.sessions[key]
	return s, ok
}

// Handle feeds a packet to its session, creating the session on first sight.
// A session that finished while handling the packet is released at once.
func (t *Table) Handle(pkt *core.Packet) {
	key := pkt.Key()
	s, ok := t.sessions[key]
	if !ok {
		s = newSession(pkt, &t.opts)
		t.sessions[key] = s
		metrics.SessionsTotal.WithLabelValues(t.opts.Transport.String(), "created").Inc()
		metrics.SessionsActive.WithLabelValues(t.workerLabel, t.opts.Transport.String()).Inc()
	}

	s.handle(pkt)

	if s.finished {
		t.remove(key, s, "finished")
	}
}

// Sweep releases sessions idle for IdleTimeout. It does nothing when the
// previous sweep ran less than IdleTimeout ago. Returns the number evicted.
func (t *Table) Sweep(now time.Time) int {
	if now.Sub(t.lastSweep) < t.opts.IdleTimeout {
		return 0
	}
	t.lastSweep = now

	evicted := 0
	for key, s := range t.sessions {
		if s.lastSeen.Add(t.opts.IdleTimeout).After(now) {
			continue
		}
		t.remove(key, s, "evicted")
		evicted++
	}
	return evicted
}

// Close releases every session.
func (t *Table) Close() {
	for key, s := range t.sessions {
		t.remove(key, s, "closed")
	}
}

func (t *Table) remove(key core.FlowKey, s *Session, reason string) {
	s.release()
	delete(t.sessions, key)
	metrics.SessionsTotal.WithLabelValues(t.opts.Transport.String(), reason).Inc()
	metrics.SessionsActive.WithLabelValues(t.workerLabel, t.opts.Transport.String()).Dec()
}
