package flow

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
)

var (
	httpResult = classifier.ProtoResult{App: classifier.ProtoHTTP}
	dnsResult  = classifier.ProtoResult{Master: classifier.ProtoDNS}
	t0         = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// fakeEngine answers Detect from a script and counts every call.
type fakeEngine struct {
	script []classifier.ProtoResult
	giveUp classifier.ProtoResult
	guess  classifier.ProtoResult

	detectCalls int
	giveUpCalls int
	guessCalls  int
	allocs      int
	frees       int
	fromClient  []bool
}

func (e *fakeEngine) AllocContext() *classifier.Context {
	e.allocs++
	return classifier.NewContext()
}

func (e *fakeEngine) FreeContext(*classifier.Context) { e.frees++ }

func (e *fakeEngine) Detect(ctx *classifier.Context, _ []byte, _ time.Time, src, _ *classifier.Endpoint) classifier.ProtoResult {
	e.fromClient = append(e.fromClient, src == ctx.Client)
	i := e.detectCalls
	e.detectCalls++
	if i < len(e.script) {
		return e.script[i]
	}
	return classifier.ProtoResult{}
}

func (e *fakeEngine) GiveUp(*classifier.Context) classifier.ProtoResult {
	e.giveUpCalls++
	return e.giveUp
}

func (e *fakeEngine) Guess(*classifier.Context, netip.Addr, uint16, netip.Addr, uint16) classifier.ProtoResult {
	e.guessCalls++
	return e.guess
}

func (e *fakeEngine) ProtocolName(r classifier.ProtoResult) string { return r.String() }

// recorder is an inspector that logs deliveries as "c:<data>" or "s:<data>".
type recorder struct {
	chunks   []string
	failOn   string
	panicOn  string
	closed   int
	closeErr bool
}

func (r *recorder) OnClientData(data []byte) error {
	r.chunks = append(r.chunks, "c:"+string(data))
	if r.failOn != "" && string(data) == r.failOn {
		return errors.New("parse error")
	}
	if r.panicOn != "" && string(data) == r.panicOn {
		panic("index out of range")
	}
	return nil
}

func (r *recorder) OnServerData(data []byte) error {
	r.chunks = append(r.chunks, "s:"+string(data))
	return nil
}

func (r *recorder) Close() error {
	r.closed++
	if r.closeErr {
		panic("close on broken state")
	}
	return nil
}

type harness struct {
	engine    *fakeEngine
	inspector *recorder
	allocs    int
	sink      *event.Collector
}

func newHarness(t *testing.T, engine *fakeEngine) *harness {
	t.Helper()
	return &harness{engine: engine, inspector: &recorder{}, sink: &event.Collector{}}
}

func (h *harness) options(t *testing.T, transport core.Transport) Options {
	t.Helper()
	reg, err := dissector.NewRegistry([]string{"rec"}, map[string]dissector.Builder{
		"rec": {
			IDs: []classifier.ProtoID{classifier.ProtoHTTP, classifier.ProtoDNS},
			Factory: func(*classifier.Context, dissector.Flow) dissector.Inspector {
				h.allocs++
				return h.inspector
			},
		},
	})
	require.NoError(t, err)
	return Options{
		Engine:        h.engine,
		Registry:      reg,
		Sink:          h.sink,
		IdleTimeout:   30 * time.Second,
		ReorderWindow: DefaultReorderWindow,
		Transport:     transport,
	}
}

func tcp(src, dst string, seq uint32, flags uint8, payload string, ts time.Time) *core.Packet {
	return packet(src, dst, core.FlagTCP, payload, ts, func(p *core.Packet) {
		p.Seq = seq
		p.TCPFlags = flags
		p.Proto = core.IPProtoTCP
	})
}

func udp(src, dst, payload string, ts time.Time) *core.Packet {
	return packet(src, dst, core.FlagUDP, payload, ts, func(p *core.Packet) {
		p.Proto = core.IPProtoUDP
	})
}

func packet(src, dst string, l4 core.Flags, payload string, ts time.Time, fill func(*core.Packet)) *core.Packet {
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	p := &core.Packet{
		Data:       []byte(payload),
		Timestamp:  ts,
		Flags:      core.FlagIPv4 | l4,
		SrcIP:      s.Addr(),
		DstIP:      d.Addr(),
		SrcPort:    s.Port(),
		DstPort:    d.Port(),
		IPLen:      len(payload),
		PayloadLen: len(payload),
	}
	if len(payload) > 0 {
		p.Flags |= core.FlagPayload
	}
	fill(p)
	return p
}

const (
	client = "10.0.0.1:1234"
	server = "10.0.0.2:80"
)

// ─── Reassembler ───

func TestReassemblerOrder(t *testing.T) {
	stream := make([]byte, 300)
	for i := range stream {
		stream[i] = byte(i)
	}
	var delivered [][]byte
	r := NewReassembler(99, func(b []byte) { delivered = append(delivered, b) }, DefaultReorderWindow)
	require.Equal(t, uint32(100), r.Next())

	r.Handle(100, stream[100:150])
	r.Handle(100, stream[100:150])
	r.Handle(200, stream[200:250])
	assert.Equal(t, 1, r.Held())
	r.Handle(150, stream[150:200])

	require.Len(t, delivered, 3)
	assert.Equal(t, stream[100:150], delivered[0])
	assert.Equal(t, stream[150:200], delivered[1])
	assert.Equal(t, stream[200:250], delivered[2])
	assert.Equal(t, uint32(250), r.Next())
	assert.Zero(t, r.Held())
}

func TestReassemblerSegments(t *testing.T) {
	tests := []struct {
		name     string
		window   int
		segments []struct {
			seq  uint32
			data string
		}
		expected []string
		next     uint32
	}{
		{
			name:   "partial overlap delivers tail",
			window: 4,
			segments: []struct {
				seq  uint32
				data string
			}{{100, "abcd"}, {102, "cdef"}},
			expected: []string{"abcd", "ef"},
			next:     106,
		},
		{
			name:   "empty payload is ignored",
			window: 4,
			segments: []struct {
				seq  uint32
				data string
			}{{100, ""}, {100, "ab"}},
			expected: []string{"ab"},
			next:     102,
		},
		{
			name:   "window zero drops ahead segments",
			window: 0,
			segments: []struct {
				seq  uint32
				data string
			}{{104, "efgh"}, {100, "abcd"}},
			expected: []string{"abcd"},
			next:     104,
		},
		{
			name:   "window zero drops partial overlap",
			window: 0,
			segments: []struct {
				seq  uint32
				data string
			}{{100, "abcd"}, {102, "cdef"}, {104, "ef"}},
			expected: []string{"abcd", "ef"},
			next:     106,
		},
		{
			name:   "full window drops",
			window: 1,
			segments: []struct {
				seq  uint32
				data string
			}{{104, "ef"}, {108, "ij"}, {100, "abcd"}, {106, "gh"}},
			expected: []string{"abcd", "ef", "gh"},
			next:     108,
		},
		{
			name:   "held segment overtaken by longer one",
			window: 4,
			segments: []struct {
				seq  uint32
				data string
			}{{104, "ef"}, {100, "abcdefgh"}},
			expected: []string{"abcdefgh"},
			next:     108,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			r := NewReassembler(99, func(b []byte) { got = append(got, string(b)) }, tt.window)
			for _, s := range tt.segments {
				r.Handle(s.seq, []byte(s.data))
			}
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.next, r.Next())
			assert.Zero(t, r.Held())
		})
	}
}

func TestReassemblerWraparound(t *testing.T) {
	var got []string
	r := NewReassembler(0xFFFFFFFD, func(b []byte) { got = append(got, string(b)) }, 4)

	r.Handle(0x00000002, []byte("world"))
	r.Handle(0xFFFFFFFE, []byte("hell"))
	r.Handle(0xFFFFFFFE, []byte("hell"))

	assert.Equal(t, []string{"hell", "world"}, got)
	assert.Equal(t, uint32(7), r.Next())
}

func TestSeqCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     uint32
		expected int
	}{
		{"equal", 5, 5, 0},
		{"after", 6, 5, 1},
		{"before", 5, 6, -1},
		{"after across wrap", 1, 0xFFFFFFFF, 1},
		{"before across wrap", 0xFFFFFFFF, 1, -1},
		{"just under half", 1<<31 - 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, seqCompare(tt.a, tt.b))
		})
	}
}

// ─── Session state machine ───

func TestDetectionRetryBound(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	opts := h.options(t, core.TransportUDP)
	opts.MaxDetectAttempts = 3
	table := NewTable(opts)

	for i := 0; i < 3; i++ {
		table.Handle(udp(client, "10.0.0.2:9999", "x", t0))
	}
	assert.Zero(t, h.engine.giveUpCalls)

	table.Handle(udp(client, "10.0.0.2:9999", "x", t0))
	assert.Equal(t, 1, h.engine.giveUpCalls)
	assert.Equal(t, 1, h.engine.guessCalls)

	s, ok := table.Lookup(core.NewFlowKey(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1234, 9999))
	require.True(t, ok)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, s.Pending())

	for i := 0; i < 5; i++ {
		table.Handle(udp("10.0.0.2:9999", client, "y", t0.Add(time.Second)))
	}
	assert.Equal(t, 4, h.engine.detectCalls)
	assert.Equal(t, 1, h.engine.giveUpCalls)
	assert.Equal(t, t0.Add(time.Second), s.LastSeen())

	table.Close()
	assert.Equal(t, 1, h.engine.giveUpCalls)
	assert.Equal(t, 1, h.engine.frees)
	assert.Zero(t, h.allocs)
}

func TestGiveUpAndGuessBindInspector(t *testing.T) {
	tests := []struct {
		name       string
		engine     *fakeEngine
		guessCalls int
		expected   classifier.ProtoResult
		wantAllocs int
		wantChunks []string
	}{
		{"give up candidate", &fakeEngine{giveUp: dnsResult}, 0, dnsResult, 1, []string{"c:q1", "c:q2"}},
		{"guess", &fakeEngine{guess: dnsResult}, 1, dnsResult, 1, []string{"c:q1", "c:q2"}},
		{"nothing", &fakeEngine{}, 1, classifier.ProtoResult{}, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.engine)
			opts := h.options(t, core.TransportUDP)
			opts.MaxDetectAttempts = 1
			table := NewTable(opts)

			table.Handle(udp(client, "10.0.0.2:53", "q1", t0))
			table.Handle(udp(client, "10.0.0.2:53", "q2", t0))

			s, ok := table.Lookup(core.NewFlowKey(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1234, 53))
			require.True(t, ok)
			assert.Equal(t, 1, tt.engine.giveUpCalls)
			assert.Equal(t, tt.guessCalls, tt.engine.guessCalls)
			assert.Equal(t, tt.expected, s.Result())
			assert.Equal(t, tt.wantAllocs, h.allocs)
			assert.Equal(t, tt.wantChunks, h.inspector.chunks)
		})
	}
}

func TestScenarioDetectAfterBuffering(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{{}, {}, {}, httpResult}}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1000, core.TCPSyn, "", t0))
	table.Handle(tcp(client, server, 1001, core.TCPAck, "aaa", t0))
	table.Handle(tcp(client, server, 1004, core.TCPAck, "bbb", t0))
	assert.Zero(t, h.allocs)

	table.Handle(tcp(client, server, 1007, core.TCPAck|core.TCPPsh, "ccc", t0))
	assert.Equal(t, 1, h.allocs)
	assert.Equal(t, []string{"c:aaa", "c:bbb", "c:ccc"}, h.inspector.chunks)

	table.Handle(tcp(server, client, 5000, core.TCPAck, "resp", t0))
	table.Handle(tcp(client, server, 1010, core.TCPAck, "ddd", t0))

	assert.Equal(t, 1, h.allocs)
	assert.Equal(t, 4, engine.detectCalls)
	assert.Equal(t, []bool{true, true, true, true}, engine.fromClient)
	assert.Equal(t, []string{"c:aaa", "c:bbb", "c:ccc", "s:resp", "c:ddd"}, h.inspector.chunks)

	s, ok := table.Lookup(tcp(client, server, 0, 0, "", t0).Key())
	require.True(t, ok)
	assert.Equal(t, StateSuccess, s.State())
	assert.Equal(t, httpResult, s.Result())
	assert.Zero(t, s.Pending())
}

func TestScenarioFinishOnFin(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{httpResult}}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1001, core.TCPAck, "GET", t0))
	require.Equal(t, 1, table.Len())

	table.Handle(tcp(server, client, 7000, core.TCPFin|core.TCPAck, "bye", t0))

	assert.Zero(t, table.Len())
	assert.Equal(t, []string{"c:GET", "s:bye"}, h.inspector.chunks)
	assert.Equal(t, 1, h.inspector.closed)
	assert.Equal(t, 1, engine.frees)
	assert.Equal(t, []string{event.KindSessionEnd}, h.sink.Kinds())
	assert.Equal(t, "success", h.sink.Events()[0].Labels["session.state"])
}

func TestRstFinishesDetectingSession(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1000, core.TCPSyn, "", t0))
	table.Handle(tcp(server, client, 0, core.TCPRst, "", t0))

	assert.Zero(t, table.Len())
	assert.Equal(t, []bool{true, false}, engine.fromClient)
	// release runs the fallback chain once for a session still detecting
	assert.Equal(t, 1, engine.giveUpCalls)
	assert.Equal(t, 1, engine.frees)
}

func TestInspectorErrorSetsSkip(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{httpResult}}
	h := newHarness(t, engine)
	h.inspector.failOn = "bad"
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1001, core.TCPAck, "ok", t0))
	table.Handle(tcp(client, server, 1003, core.TCPAck, "bad", t0))
	table.Handle(tcp(client, server, 1006, core.TCPAck, "more", t0))
	table.Handle(tcp(server, client, 9000, core.TCPAck, "reply", t0))

	s, ok := table.Lookup(tcp(client, server, 0, 0, "", t0).Key())
	require.True(t, ok)
	assert.True(t, s.Skipped())
	assert.Equal(t, []string{"c:ok", "c:bad"}, h.inspector.chunks)
	// bookkeeping continues while skipped
	assert.Equal(t, uint32(1010), s.clientStream.Next())
}

func TestInspectorPanicSetsSkip(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{httpResult}}
	h := newHarness(t, engine)
	h.inspector.panicOn = "boom"
	h.inspector.closeErr = true
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1001, core.TCPAck, "ok", t0))
	require.NotPanics(t, func() {
		table.Handle(tcp(client, server, 1003, core.TCPAck, "boom", t0))
		table.Handle(tcp(client, server, 1007, core.TCPAck, "more", t0))
	})

	s, ok := table.Lookup(tcp(client, server, 0, 0, "", t0).Key())
	require.True(t, ok)
	assert.True(t, s.Skipped())
	assert.Equal(t, []string{"c:ok", "c:boom"}, h.inspector.chunks)
	assert.Equal(t, uint32(1011), s.clientStream.Next())

	require.NotPanics(t, table.Close)
	assert.Equal(t, 1, h.inspector.closed)
	assert.Equal(t, 1, engine.frees)
}

func TestRecoverInspector(t *testing.T) {
	err := recoverInspector(func() error { panic("bad frame") })
	assert.ErrorIs(t, err, core.ErrInspectorPanic)
	assert.Contains(t, err.Error(), "bad frame")

	assert.NoError(t, recoverInspector(func() error { return nil }))
}

func TestMidStreamPickup(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{httpResult}}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 50000, core.TCPAck, "abc", t0))
	table.Handle(tcp(client, server, 50006, core.TCPAck, "ghi", t0))
	table.Handle(tcp(client, server, 50003, core.TCPAck, "def", t0))

	assert.Equal(t, []string{"c:abc", "c:def", "c:ghi"}, h.inspector.chunks)
}

func TestUDPDeliveryByDirection(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{dnsResult}}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportUDP))

	table.Handle(udp(client, "10.0.0.2:53", "query", t0))
	table.Handle(udp("10.0.0.2:53", client, "answer", t0))
	table.Handle(udp(client, "10.0.0.2:53", "", t0))

	assert.Equal(t, []string{"c:query", "s:answer"}, h.inspector.chunks)
}

// ─── Table ───

func TestIdleEviction(t *testing.T) {
	timeout := 30 * time.Second

	for _, tc := range []struct {
		name      string
		sweepAt   time.Time
		remaining int
	}{
		{"just before timeout", t0.Add(timeout - time.Microsecond), 1},
		{"just after timeout", t0.Add(timeout + time.Microsecond), 0},
		{"exactly at timeout", t0.Add(timeout), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			engine := &fakeEngine{}
			h := newHarness(t, engine)
			table := NewTable(h.options(t, core.TransportUDP))

			table.Handle(udp(client, "10.0.0.2:9999", "x", t0))
			evicted := table.Sweep(tc.sweepAt)

			assert.Equal(t, tc.remaining, table.Len())
			assert.Equal(t, 1-tc.remaining, evicted)
			assert.Equal(t, 1-tc.remaining, engine.frees)
		})
	}
}

func TestSweepIsRateLimited(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	table := NewTable(h.options(t, core.TransportUDP))

	assert.Zero(t, table.Sweep(t0))

	table.Handle(udp(client, "10.0.0.2:9999", "x", t0))
	// idle long enough, but the previous sweep was too recent
	assert.Zero(t, table.Sweep(t0.Add(29*time.Second)))
	assert.Equal(t, 1, table.Len())

	assert.Equal(t, 1, table.Sweep(t0.Add(31*time.Second)))
}

func TestReleaseExactlyOnce(t *testing.T) {
	engine := &fakeEngine{script: []classifier.ProtoResult{httpResult}}
	h := newHarness(t, engine)
	table := NewTable(h.options(t, core.TransportTCP))

	table.Handle(tcp(client, server, 1001, core.TCPAck, "x", t0))
	s, ok := table.Lookup(tcp(client, server, 0, 0, "", t0).Key())
	require.True(t, ok)

	table.Close()
	s.release()
	table.Close()

	assert.Zero(t, table.Len())
	assert.Equal(t, 1, engine.allocs)
	assert.Equal(t, 1, engine.frees)
	assert.Equal(t, 1, h.inspector.closed)
	assert.Len(t, h.sink.Events(), 1)
}

func TestWorkerTablesSeparateTransports(t *testing.T) {
	engine := &fakeEngine{}
	h := newHarness(t, engine)
	w := NewWorkerTables(2, h.options(t, core.TransportTCP))

	w.Handle(tcp(client, server, 1, core.TCPAck, "a", t0))
	w.Handle(udp(client, server, "b", t0))
	w.Handle(&core.Packet{Flags: core.FlagIPv4 | core.FlagICMP})

	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 1, w.tcp.Len())
	assert.Equal(t, 1, w.udp.Len())

	assert.Equal(t, 2, w.Sweep(t0.Add(time.Hour)))
	w.Close()
	assert.Equal(t, 2, engine.frees)
}
