package decoder

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/layers/internal/core"
)

// Reassembly limits from the BSD-Right algorithm (RFC 791).
const (
	ipv4MinFragSize    = 1     // Minimum valid fragment payload size
	ipv4MaxSize        = 65535 // Maximum IPv4 datagram size
	ipv4MaxFragOffset  = 8183  // Maximum valid fragment offset (in 8-byte units)
	ipv4MaxFragListLen = 8192  // Maximum fragments per datagram before eviction
)

// DefragConfig tunes IPv4 fragment reassembly.
type DefragConfig struct {
	Timeout         time.Duration // Incomplete datagrams older than this are dropped (default 30s)
	MaxFragments    int           // Maximum fragments per datagram (default 100)
	MaxDatagramSize int           // Maximum reassembled payload size (default 65535)
	MaxFragsPerIP   int           // Per-source fragment budget per window (0 = unlimited)
	RateLimitWindow time.Duration // Window for MaxFragsPerIP (default 10s)
}

// fragmentKey identifies one fragmented datagram.
type fragmentKey struct {
	srcIP    [4]byte
	dstIP    [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset  uint16 // byte offset in the datagram payload
	length  uint16
	payload []byte
}

// fragmentList keeps fragments sorted by offset. On overlap the bytes that
// arrived first win and the newcomer is trimmed (BSD-Right).
type fragmentList struct {
	list          list.List // of *fragment
	head          []byte    // link + IPv4 header of the offset 0 fragment
	ipOffset      int       // start of the IPv4 header in head
	highest       uint16    // max(offset + length) seen
	current       uint16    // unique payload bytes held
	finalReceived bool
	lastSeen      time.Time
}

// Defragmenter reassembles IPv4 fragments into whole frames.
//
// It is owned by the capture goroutine and is not safe for concurrent use.
// Time only moves with packet timestamps, so replaying a file expires
// fragments the same way a live capture would.
type Defragmenter struct {
	cfg       DefragConfig
	flows     map[fragmentKey]*fragmentList
	limiter   *fragmentRateLimiter // nil when disabled
	lastSweep time.Time
	expired   uint64
}

// NewDefragmenter creates a defragmenter, filling zero limits with defaults.
func NewDefragmenter(cfg DefragConfig) *Defragmenter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > ipv4MaxSize {
		cfg.MaxDatagramSize = ipv4MaxSize
	}
	return &Defragmenter{
		cfg:     cfg,
		flows:   make(map[fragmentKey]*fragmentList),
		limiter: newFragmentRateLimiter(cfg.MaxFragsPerIP, cfg.RateLimitWindow),
	}
}

// Pending returns the number of datagrams waiting for more fragments.
func (d *Defragmenter) Pending() int { return len(d.flows) }

// Expired returns how many incomplete datagrams were dropped on timeout.
func (d *Defragmenter) Expired() uint64 { return d.expired }

// Reassemble takes a packet flagged core.FlagFragment. It returns the whole
// frame once the last missing piece arrives, (zero, false, nil) while the
// datagram is incomplete, and an error wrapping core.ErrFragmentRejected when
// the fragment breaks a limit. The rebuilt frame keeps the link header of the
// first fragment and a fresh, unfragmented IPv4 header.
func (d *Defragmenter) Reassemble(pkt *core.Packet) (core.RawPacket, bool, error) {
	d.sweep(pkt.Timestamp)

	hdr := pkt.Data[pkt.IPOffset : pkt.IPOffset+pkt.IPLen]
	ihl := int(hdr[0]&0x0F) << 2
	flagsOffset := binary.BigEndian.Uint16(hdr[6:8])
	moreFragments := flagsOffset&ipv4FlagMF != 0
	fragOffset := flagsOffset & ipv4OffsetMask
	fragLen := uint16(len(hdr) - ihl)

	if err := checkFragment(fragLen, fragOffset); err != nil {
		return core.RawPacket{}, false, err
	}

	key := fragmentKey{
		srcIP:    [4]byte(hdr[12:16]),
		dstIP:    [4]byte(hdr[16:20]),
		protocol: hdr[9],
		id:       binary.BigEndian.Uint16(hdr[4:6]),
	}
	if d.limiter != nil && !d.limiter.allow(key.srcIP, pkt.Timestamp) {
		return core.RawPacket{}, false, fmt.Errorf("%w: rate limit exceeded for %s",
			core.ErrFragmentRejected, pkt.SrcIP)
	}

	fl, ok := d.flows[key]
	if !ok {
		fl = &fragmentList{}
		d.flows[key] = fl
	}
	if fl.list.Len() >= ipv4MaxFragListLen || fl.list.Len() >= d.cfg.MaxFragments {
		delete(d.flows, key)
		return core.RawPacket{}, false, fmt.Errorf("%w: more than %d fragments",
			core.ErrFragmentRejected, min(d.cfg.MaxFragments, ipv4MaxFragListLen))
	}
	fl.lastSeen = pkt.Timestamp

	byteOffset := fragOffset * 8
	if byteOffset == 0 && fl.head == nil {
		fl.head = append([]byte(nil), pkt.Data[:pkt.IPOffset+ihl]...)
		fl.ipOffset = pkt.IPOffset
	}
	if !moreFragments {
		fl.finalReceived = true
		if end := byteOffset + fragLen; end > fl.highest {
			fl.highest = end
		}
	}
	// The capture buffer may be reused after this call.
	payload := append([]byte(nil), hdr[ihl:]...)
	fl.insert(&fragment{offset: byteOffset, length: fragLen, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest {
		return core.RawPacket{}, false, nil
	}
	delete(d.flows, key)
	data, err := d.build(fl)
	if err != nil {
		return core.RawPacket{}, false, err
	}
	return core.RawPacket{
		Data:       data,
		Timestamp:  pkt.Timestamp,
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}, true, nil
}

func checkFragment(fragLen, fragOffset uint16) error {
	if fragLen < ipv4MinFragSize {
		return fmt.Errorf("%w: empty fragment", core.ErrFragmentRejected)
	}
	if fragOffset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: offset %d too large", core.ErrFragmentRejected, fragOffset)
	}
	if end := uint32(fragOffset)*8 + uint32(fragLen); end > ipv4MaxSize {
		return fmt.Errorf("%w: ends at %d past the IPv4 limit", core.ErrFragmentRejected, end)
	}
	return nil
}

// insert places frag in offset order, trimming whatever overlaps bytes
// already held.
func (fl *fragmentList) insert(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	// first element with offset >= frag.offset
	var next *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			next = e
			break
		}
	}

	startAt := frag.offset
	var prev *list.Element
	if next != nil {
		prev = next.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if end := p.offset + p.length; end > startAt {
			startAt = end
		}
	}

	endAt := fragEnd
	if next != nil {
		if n := next.Value.(*fragment); n.offset < endAt {
			endAt = n.offset
		}
	}
	if startAt >= endAt {
		return
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if next != nil {
		fl.list.InsertBefore(trimmed, next)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

// build lays the fragments out behind the saved headers and rewrites the IPv4
// total length, flags and checksum.
func (d *Defragmenter) build(fl *fragmentList) ([]byte, error) {
	size := int(fl.highest)
	if size > d.cfg.MaxDatagramSize {
		return nil, fmt.Errorf("%w: reassembled size %d exceeds %d",
			core.ErrFragmentRejected, size, d.cfg.MaxDatagramSize)
	}
	if fl.head == nil {
		return nil, fmt.Errorf("%w: first fragment missing", core.ErrFragmentRejected)
	}
	ihl := len(fl.head) - fl.ipOffset
	if ihl+size > ipv4MaxSize {
		return nil, fmt.Errorf("%w: reassembled size %d exceeds the IPv4 limit",
			core.ErrFragmentRejected, ihl+size)
	}

	data := make([]byte, len(fl.head)+size)
	copy(data, fl.head)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		frag := e.Value.(*fragment)
		copy(data[len(fl.head)+int(frag.offset):], frag.payload)
	}

	ip := data[fl.ipOffset:len(fl.head)]
	binary.BigEndian.PutUint16(ip[2:4], uint16(ihl+size))
	binary.BigEndian.PutUint16(ip[6:8], binary.BigEndian.Uint16(ip[6:8])&ipv4FlagDF)
	ip[10], ip[11] = 0, 0
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))
	return data, nil
}

// sweep drops incomplete datagrams not touched within the timeout. It runs at
// most once per half timeout.
func (d *Defragmenter) sweep(now time.Time) {
	if now.Sub(d.lastSweep) < d.cfg.Timeout/2 {
		return
	}
	d.lastSweep = now
	for key, fl := range d.flows {
		if now.Sub(fl.lastSeen) > d.cfg.Timeout {
			delete(d.flows, key)
			d.expired++
		}
	}
}

func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}
