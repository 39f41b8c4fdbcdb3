// Package classifier defines the protocol detection engine used by flow sessions
// and ships a signature based default implementation.
package classifier

import (
	"net/netip"
	"time"

	"firestige.xyz/layers/internal/core"
)

// Engine detects the application protocol of a flow from its packets.
//
// A Context is allocated once per flow and freed exactly once when the flow is
// released. Calls for one Context always come from a single goroutine; the
// engine itself is shared by all workers.
type Engine interface {
	AllocContext() *Context
	FreeContext(ctx *Context)

	// Detect inspects one packet. src and dst are the context's endpoints in
	// the packet's direction.
	Detect(ctx *Context, ipLayer []byte, ts time.Time, src, dst *Endpoint) ProtoResult

	// GiveUp returns the best verdict available from what has been seen so far.
	GiveUp(ctx *Context) ProtoResult

	// Guess derives a verdict from addressing alone.
	Guess(ctx *Context, srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16) ProtoResult

	ProtocolName(r ProtoResult) string
}

// Endpoint is the per-direction identity of a flow inside the engine.
type Endpoint struct {
	Packets uint64
	Bytes   uint64
}

// Context is the per-flow detection state.
type Context struct {
	Client *Endpoint
	Server *Endpoint

	// Labels carries metadata discovered during detection, e.g. the HTTP URL.
	Labels core.Labels

	packets    int
	candidate  ProtoResult
	confidence Confidence
	freed      bool
}

// NewContext returns a context with fresh endpoints. Engines other than the
// default one may use it as their allocator.
func NewContext() *Context {
	return &Context{
		Client: &Endpoint{},
		Server: &Endpoint{},
		Labels: core.Labels{},
	}
}

// Packets returns how many packets were passed to Detect.
func (c *Context) Packets() int { return c.packets }

// Freed reports whether the context has been returned to the engine.
func (c *Context) Freed() bool { return c.freed }
