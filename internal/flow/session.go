// Package flow tracks sessions per worker: protocol detection, TCP
// reassembly and delivery to the bound inspector.
package flow

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

// State is the detection state of a session.
type State uint8

const (
	StateDetecting State = iota
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetecting:
		return "detecting"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the tracking state of one flow. It is owned by a single worker
// and never shared.
type Session struct {
	opts *Options

	id        uuid.UUID
	key       core.FlowKey
	transport core.Transport
	client    netip.AddrPort
	server    netip.AddrPort

	state    State
	finished bool
	skip     bool
	released bool

	pending  []*core.Packet
	attempts int
	packets  int
	lastSeen time.Time

	ctx       *classifier.Context
	result    classifier.ProtoResult
	inspector dissector.Inspector

	clientStream *Reassembler
	serverStream *Reassembler
}

// newSession fixes the client role from the packet that opened the flow.
func newSession(pkt *core.Packet, opts *Options) *Session {
	return &Session{
		opts:      opts,
		id:        uuid.New(),
		key:       pkt.Key(),
		transport: core.TransportOf(pkt),
		client:    netip.AddrPortFrom(pkt.SrcIP, pkt.SrcPort),
		server:    netip.AddrPortFrom(pkt.DstIP, pkt.DstPort),
		lastSeen:  pkt.Timestamp,
		inspector: dissector.Default(),
	}
}

func (s *Session) ID() uuid.UUID                  { return s.id }
func (s *Session) Key() core.FlowKey              { return s.key }
func (s *Session) State() State                   { return s.state }
func (s *Session) Finished() bool                 { return s.finished }
func (s *Session) Skipped() bool                  { return s.skip }
func (s *Session) Result() classifier.ProtoResult { return s.result }
func (s *Session) LastSeen() time.Time            { return s.lastSeen }
func (s *Session) Pending() int                   { return len(s.pending) }
func (s *Session) Attempts() int                  { return s.attempts }

func (s *Session) handle(pkt *core.Packet) {
	s.lastSeen = pkt.Timestamp
	s.packets++

	switch s.state {
	case StateDetecting:
		s.detect(pkt)
	case StateSuccess:
		s.dispatchPacket(pkt)
	}

	if pkt.IsTCP() && pkt.HasTCPFlag(core.TCPFin|core.TCPRst) {
		s.finished = true
	}
}

func (s *Session) detect(pkt *core.Packet) {
	s.pending = append(s.pending, pkt)
	if s.ctx == nil {
		s.ctx = s.opts.Engine.AllocContext()
	}

	src, dst := s.ctx.Client, s.ctx.Server
	if !s.fromClient(pkt) {
		src, dst = dst, src
	}
	if r := s.opts.Engine.Detect(s.ctx, pkt.IPLayer(), pkt.Timestamp, src, dst); r.Success() {
		s.onDetectSuccess(r, "success")
		return
	}

	s.attempts++
	if s.attempts > s.opts.MaxDetectAttempts {
		s.giveUp()
	}
}

// giveUp runs the fallback chain once: the engine's best candidate, then a
// guess from addressing. Only a session still detecting is evaluated.
func (s *Session) giveUp() {
	if s.state != StateDetecting {
		return
	}
	if s.ctx == nil {
		s.fail()
		return
	}
	if r := s.opts.Engine.GiveUp(s.ctx); r.Success() {
		s.onDetectSuccess(r, "giveup")
		return
	}
	r := s.opts.Engine.Guess(s.ctx, s.client.Addr(), s.client.Port(), s.server.Addr(), s.server.Port())
	if r.Success() {
		s.onDetectSuccess(r, "guess")
		return
	}
	s.fail()
}

func (s *Session) fail() {
	s.state = StateFailed
	s.pending = nil
	metrics.DetectionsTotal.WithLabelValues("failed").Inc()
}

func (s *Session) onDetectSuccess(r classifier.ProtoResult, outcome string) {
	s.state = StateSuccess
	s.result = r
	metrics.DetectionsTotal.WithLabelValues(outcome).Inc()
	metrics.DetectionPackets.Observe(float64(s.packets))

	s.inspector = s.opts.Registry.Alloc(r, s.ctx, s.flow())
	if lg := log.GetLogger(); lg.IsDebugEnabled() {
		lg.WithField("session", s.id.String()).
			WithField("flow", s.key.String()).
			WithField("proto", s.opts.Engine.ProtocolName(r)).
			WithField("outcome", outcome).
			Debug("protocol detected")
	}

	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		s.dispatchPacket(p)
	}
}

func (s *Session) flow() dissector.Flow {
	return dissector.Flow{
		ID:        s.id.String(),
		Key:       s.key,
		Client:    s.client,
		Server:    s.server,
		Transport: s.transport,
		Proto:     s.opts.Engine.ProtocolName(s.result),
		Sink:      s.opts.Sink,
	}
}

func (s *Session) fromClient(pkt *core.Packet) bool {
	return pkt.SrcIP == s.client.Addr() && pkt.SrcPort == s.client.Port()
}

func (s *Session) dispatchPacket(pkt *core.Packet) {
	fromClient := s.fromClient(pkt)

	if !pkt.IsTCP() {
		if payload := pkt.Payload(); len(payload) > 0 {
			s.deliver(fromClient, payload)
		}
		return
	}

	stream := &s.serverStream
	if fromClient {
		stream = &s.clientStream
	}
	if *stream == nil {
		// A SYN consumes one sequence number; mid-stream pickup starts at seq.
		isn := pkt.Seq - 1
		if pkt.HasTCPFlag(core.TCPSyn) {
			isn = pkt.Seq
		}
		*stream = NewReassembler(isn, func(data []byte) { s.deliver(fromClient, data) }, s.opts.ReorderWindow)
	}
	seq := pkt.Seq
	if pkt.HasTCPFlag(core.TCPSyn) {
		seq++
	}
	(*stream).Handle(seq, pkt.Payload())
}

func (s *Session) deliver(fromClient bool, data []byte) {
	if s.skip {
		return
	}
	on := s.inspector.OnServerData
	if fromClient {
		on = s.inspector.OnClientData
	}
	if err := recoverInspector(func() error { return on(data) }); err != nil {
		s.skip = true
		proto := s.opts.Engine.ProtocolName(s.result)
		metrics.InspectorErrorsTotal.WithLabelValues(proto).Inc()
		log.GetLogger().WithError(err).
			WithField("session", s.id.String()).
			WithField("proto", proto).
			Debug("inspector failed, skipping session")
	}
}

// recoverInspector runs fn and turns a panic into ErrInspectorPanic, so a
// broken inspector only costs its own session.
func recoverInspector(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", core.ErrInspectorPanic, r)
		}
	}()
	return fn()
}

// release tears the session down. It is safe to call more than once.
func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true

	if s.state == StateDetecting {
		s.giveUp()
	}
	if c, ok := s.inspector.(io.Closer); ok {
		if err := recoverInspector(c.Close); err != nil {
			log.GetLogger().WithError(err).WithField("session", s.id.String()).Debug("inspector close failed")
		}
	}
	if s.ctx != nil {
		s.opts.Engine.FreeContext(s.ctx)
	}

	if s.opts.Sink != nil {
		s.flow().Emit(event.KindSessionEnd, core.Labels{
			"session.state":   s.state.String(),
			"session.packets": strconv.Itoa(s.packets),
			"session.skipped": strconv.FormatBool(s.skip),
		})
	}
}
