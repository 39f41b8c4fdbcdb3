// Package event carries what inspectors extract from flows to an output sink.
package event

import (
	"sync"
	"time"

	"firestige.xyz/layers/internal/core"
)

// Event kinds.
const (
	KindHTTPRequest  = "http.request"
	KindHTTPResponse = "http.response"
	KindDNSQuery     = "dns.query"
	KindDNSResponse  = "dns.response"
	KindSIPRequest   = "sip.request"
	KindSIPResponse  = "sip.response"
	KindSessionEnd   = "session.end"
)

// Event is one record emitted for a flow.
type Event struct {
	Time      time.Time   `json:"time"`
	SessionID string      `json:"session_id"`
	Key       string      `json:"key"`
	Client    string      `json:"client"`
	Server    string      `json:"server"`
	Transport string      `json:"transport"`
	Proto     string      `json:"proto"`
	Kind      string      `json:"kind"`
	Labels    core.Labels `json:"labels,omitempty"`
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Send(ev *Event) error
	Close() error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Name() string      { return "discard" }
func (discard) Send(*Event) error { return nil }
func (discard) Close() error      { return nil }

// Collector keeps events in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Name() string { return "collector" }

func (c *Collector) Send(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *ev
	cp.Labels = ev.Labels.Clone()
	c.events = append(c.events, cp)
	return nil
}

func (c *Collector) Close() error { return nil }

// Events returns a copy of what was collected.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns the kinds of collected events in order.
func (c *Collector) Kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
