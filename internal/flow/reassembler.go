package flow

import (
	"sort"

	"firestige.xyz/layers/internal/metrics"
)

const DefaultReorderWindow = 16

type segment struct {
	seq  uint32
	data []byte
}

// Reassembler delivers one direction of a TCP stream in sequence order. Every
// byte is delivered at most once and delivered ranges are contiguous.
// Segments that arrive ahead of the expected sequence are held, up to window
// segments, until the gap is filled. The payload of held segments is retained,
// not copied.
type Reassembler struct {
	next    uint32
	window  int
	held    []segment
	deliver func([]byte)
}

// NewReassembler creates a reassembler expecting isn+1 next.
func NewReassembler(isn uint32, deliver func([]byte), window int) *Reassembler {
	return &Reassembler{
		next:    isn + 1,
		window:  window,
		deliver: deliver,
	}
}

// Next returns the next expected sequence number.
func (r *Reassembler) Next() uint32 { return r.next }

// Held returns the number of segments waiting for a gap to close.
func (r *Reassembler) Held() int { return len(r.held) }

// Handle accepts one segment.
func (r *Reassembler) Handle(seq uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	end := seq + uint32(len(payload))

	if seqCompare(end, r.next) <= 0 {
		metrics.ReassemblySegmentsTotal.WithLabelValues("stale").Inc()
		return
	}
	if seqCompare(seq, r.next) > 0 {
		r.hold(seq, payload)
		return
	}
	// without a window only a segment starting exactly at next is taken
	if r.window == 0 && seq != r.next {
		metrics.ReassemblySegmentsTotal.WithLabelValues("dropped").Inc()
		return
	}

	r.emit(payload[r.next-seq:])
	r.drain()
}

func (r *Reassembler) emit(data []byte) {
	r.next += uint32(len(data))
	metrics.ReassemblySegmentsTotal.WithLabelValues("delivered").Inc()
	r.deliver(data)
}

func (r *Reassembler) hold(seq uint32, payload []byte) {
	for _, s := range r.held {
		if s.seq == seq && len(s.data) >= len(payload) {
			metrics.ReassemblySegmentsTotal.WithLabelValues("stale").Inc()
			return
		}
	}
	if len(r.held) >= r.window {
		metrics.ReassemblySegmentsTotal.WithLabelValues("dropped").Inc()
		return
	}
	r.held = append(r.held, segment{seq: seq, data: payload})
	base := r.next
	sort.SliceStable(r.held, func(i, j int) bool {
		// relative to next so that ordering survives wraparound
		return r.held[i].seq-base < r.held[j].seq-base
	})
	metrics.ReassemblySegmentsTotal.WithLabelValues("held").Inc()
}

// drain delivers held segments that became contiguous and discards the ones
// that are now entirely behind next.
func (r *Reassembler) drain() {
	for len(r.held) > 0 {
		s := r.held[0]
		if seqCompare(s.seq, r.next) > 0 {
			return
		}
		r.held = r.held[1:]
		end := s.seq + uint32(len(s.data))
		if seqCompare(end, r.next) <= 0 {
			metrics.ReassemblySegmentsTotal.WithLabelValues("stale").Inc()
			continue
		}
		r.emit(s.data[r.next-s.seq:])
	}
}

// seqCompare compares sequence numbers in serial number arithmetic
// (RFC 1982): negative if a is before b, zero if equal, positive if after.
func seqCompare(a, b uint32) int {
	switch d := a - b; {
	case d == 0:
		return 0
	case d < 1<<31:
		return 1
	default:
		return -1
	}
}
