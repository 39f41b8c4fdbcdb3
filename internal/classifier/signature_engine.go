package classifier

import (
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/patrickmn/go-cache"

	"firestige.xyz/layers/internal/log"
)

const (
	defaultGuessCacheTTL     = 10 * time.Minute
	defaultGuessCacheCleanup = time.Minute
)

// Options configures the signature engine.
type Options struct {
	// GuessCacheTTL is how long a server endpoint remembers its last detected protocol.
	GuessCacheTTL     time.Duration
	GuessCacheCleanup time.Duration
	Signatures        []Signature
}

// SignatureEngine is the default Engine. Detection runs payload signatures in
// priority order; guessing consults endpoints learned from earlier flows and
// then a well-known port table.
type SignatureEngine struct {
	signatures []Signature
	ports      map[uint16]ProtoResult
	learned    *cache.Cache

	allocated atomic.Int64
	freed     atomic.Int64
}

// NewSignatureEngine creates the default engine.
func NewSignatureEngine(opts Options) *SignatureEngine {
	if opts.GuessCacheTTL <= 0 {
		opts.GuessCacheTTL = defaultGuessCacheTTL
	}
	if opts.GuessCacheCleanup <= 0 {
		opts.GuessCacheCleanup = defaultGuessCacheCleanup
	}
	sigs := opts.Signatures
	if len(sigs) == 0 {
		sigs = DefaultSignatures()
	}
	sorted := make([]Signature, len(sigs))
	copy(sorted, sigs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})

	return &SignatureEngine{
		signatures: sorted,
		ports: map[uint16]ProtoResult{
			53:   {Master: ProtoDNS},
			80:   {App: ProtoHTTP},
			443:  {Master: ProtoTLS},
			5060: {App: ProtoSIP},
			5061: {App: ProtoSIP},
			8080: {App: ProtoHTTP},
		},
		learned: cache.New(opts.GuessCacheTTL, opts.GuessCacheCleanup),
	}
}

func (e *SignatureEngine) AllocContext() *Context {
	e.allocated.Add(1)
	return NewContext()
}

func (e *SignatureEngine) FreeContext(ctx *Context) {
	if ctx == nil || ctx.freed {
		return
	}
	ctx.freed = true
	e.freed.Add(1)
}

// Outstanding returns the number of contexts allocated and not yet freed.
func (e *SignatureEngine) Outstanding() int64 {
	return e.allocated.Load() - e.freed.Load()
}

func (e *SignatureEngine) Detect(ctx *Context, ipLayer []byte, ts time.Time, src, dst *Endpoint) ProtoResult {
	ctx.packets++

	in, server, ok := e.parse(ctx, ipLayer, dst)
	if !ok {
		return ProtoResult{}
	}
	src.Packets++
	src.Bytes += uint64(len(in.Payload))
	if len(in.Payload) == 0 {
		return ProtoResult{}
	}

	for _, sig := range e.signatures {
		result, conf := sig.Detect(in)
		if !result.Success() {
			continue
		}
		if conf == ConfidenceHigh {
			e.learn(server, result)
			return result
		}
		if conf > ctx.confidence {
			ctx.candidate, ctx.confidence = result, conf
		}
	}
	return ProtoResult{}
}

func (e *SignatureEngine) GiveUp(ctx *Context) ProtoResult {
	if ctx.confidence > ConfidenceNone {
		log.GetLogger().WithField("candidate", ctx.candidate.String()).
			WithField("confidence", ctx.confidence.String()).
			Debug("detection given up with candidate")
		return ctx.candidate
	}
	return ProtoResult{}
}

func (e *SignatureEngine) Guess(ctx *Context, srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16) ProtoResult {
	for _, ep := range []netip.AddrPort{netip.AddrPortFrom(dstIP, dstPort), netip.AddrPortFrom(srcIP, srcPort)} {
		if v, found := e.learned.Get(ep.String()); found {
			return v.(ProtoResult)
		}
	}
	if r, ok := e.ports[dstPort]; ok {
		return r
	}
	if r, ok := e.ports[srcPort]; ok {
		return r
	}
	return ProtoResult{}
}

func (e *SignatureEngine) ProtocolName(r ProtoResult) string {
	return r.String()
}

// parse extracts the transport payload from the network layer bytes. It also
// returns the server side address of the packet, used to learn endpoints.
func (e *SignatureEngine) parse(ctx *Context, ipLayer []byte, dst *Endpoint) (*Input, netip.AddrPort, bool) {
	if len(ipLayer) == 0 {
		return nil, netip.AddrPort{}, false
	}
	first := layers.LayerTypeIPv4
	if ipLayer[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	packet := gopacket.NewPacket(ipLayer, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	in := &Input{Labels: ctx.Labels}
	var srcAddr, dstAddr netip.Addr
	if nl := packet.NetworkLayer(); nl != nil {
		srcAddr, _ = netip.AddrFromSlice(nl.NetworkFlow().Src().Raw())
		dstAddr, _ = netip.AddrFromSlice(nl.NetworkFlow().Dst().Raw())
	}

	switch l4 := packet.TransportLayer().(type) {
	case *layers.TCP:
		in.TCP = true
		in.SrcPort, in.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		in.Payload = l4.Payload
	case *layers.UDP:
		in.SrcPort, in.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		in.Payload = l4.Payload
	default:
		return nil, netip.AddrPort{}, false
	}

	server := netip.AddrPortFrom(dstAddr, in.DstPort)
	if dst != ctx.Server {
		server = netip.AddrPortFrom(srcAddr, in.SrcPort)
	}
	return in, server, true
}

func (e *SignatureEngine) learn(server netip.AddrPort, r ProtoResult) {
	if server.Addr().IsValid() {
		e.learned.SetDefault(server.String(), r)
	}
}
