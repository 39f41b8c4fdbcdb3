// Package core defines core data structures with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// RawPacket is what a capture source hands to the engine.
type RawPacket struct {
	Data           []byte    // Raw frame data
	Timestamp      time.Time // Capture timestamp
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int       // Network interface index
}

// Flags records which layers were found while decoding a packet.
type Flags uint16

const (
	FlagMalformed Flags = 1 << iota
	FlagIPv4
	FlagIPv6
	FlagARP
	FlagICMP
	FlagTCP
	FlagUDP
	FlagPayload
	FlagFragment // IPv4 fragment, transport left undecoded
)

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// TCP header flag bits.
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
	TCPUrg uint8 = 0x20
)

// IP protocol numbers used by the decoder.
const (
	IPProtoICMP uint8 = 1
	IPProtoTCP  uint8 = 6
	IPProtoUDP  uint8 = 17
)

// Packet is the decoded view of one captured frame.
//
// Layer views are offset/length pairs into Data, so a Packet owns its bytes and
// every slice returned by an accessor lives exactly as long as the Packet.
// All fields are written once by the decoder and treated as read-only afterward;
// a Packet may be read concurrently by the capture goroutine and its worker.
type Packet struct {
	Data      []byte
	Timestamp time.Time
	Flags     Flags

	EtherType uint16
	VLAN      uint16 // Outer VLAN id, 0 when untagged

	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8 // IP protocol number

	// TCP-specific fields (only populated for TCP)
	Seq      uint32
	Ack      uint32
	TCPFlags uint8

	IPOffset      int
	IPLen         int
	L4Offset      int
	L4Len         int
	PayloadOffset int
	PayloadLen    int
}

// Malformed reports whether decoding stopped on a bound violation.
func (p *Packet) Malformed() bool { return p.Flags.Has(FlagMalformed) }

// IsTCP reports whether a complete TCP header was decoded.
func (p *Packet) IsTCP() bool { return p.Flags.Has(FlagTCP) }

// IsUDP reports whether a complete UDP header was decoded.
func (p *Packet) IsUDP() bool { return p.Flags.Has(FlagUDP) }

// HasTCPFlag reports whether any of the given TCP flag bits is set.
func (p *Packet) HasTCPFlag(mask uint8) bool { return p.TCPFlags&mask != 0 }

// IPLayer returns the network layer bytes, bounded by the declared total length.
func (p *Packet) IPLayer() []byte {
	if p.IPLen == 0 {
		return nil
	}
	return p.Data[p.IPOffset : p.IPOffset+p.IPLen]
}

// Payload returns the application payload, empty when no transport was decoded.
func (p *Packet) Payload() []byte {
	if p.PayloadLen == 0 {
		return nil
	}
	return p.Data[p.PayloadOffset : p.PayloadOffset+p.PayloadLen]
}

// Key returns the direction-independent flow key of the packet.
func (p *Packet) Key() FlowKey {
	return NewFlowKey(p.SrcIP, p.DstIP, p.SrcPort, p.DstPort)
}
