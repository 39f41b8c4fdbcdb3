// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/layers/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
)

// decodeTCP decodes the TCP header in data[offset:end] and records the payload bounds.
func decodeTCP(pkt *core.Packet, offset, end int) error {
	left := end - offset
	if left < tcpHeaderMinLen {
		return core.ErrPacketTooShort
	}
	hdr := pkt.Data[offset:end]

	pkt.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
	pkt.DstPort = binary.BigEndian.Uint16(hdr[2:4])
	pkt.Seq = binary.BigEndian.Uint32(hdr[4:8])
	pkt.Ack = binary.BigEndian.Uint32(hdr[8:12])
	// Byte 13: | reserved (2 bits) | flags (6 bits) |
	pkt.TCPFlags = hdr[13] & 0x3F

	// Data offset is in 32-bit words
	headerLen := int(hdr[12]&0xF0) >> 2
	if headerLen < tcpHeaderMinLen || headerLen > left {
		return core.ErrPacketTooShort
	}

	pkt.Flags |= core.FlagTCP
	pkt.L4Offset = offset
	pkt.L4Len = left
	pkt.PayloadOffset = offset + headerLen
	pkt.PayloadLen = left - headerLen
	return nil
}

// decodeUDP decodes the UDP header in data[offset:end]; the payload is bounded by
// the declared datagram length.
func decodeUDP(pkt *core.Packet, offset, end int) error {
	left := end - offset
	if left < udpHeaderLen {
		return core.ErrPacketTooShort
	}
	hdr := pkt.Data[offset:end]

	pkt.SrcPort = binary.BigEndian.Uint16(hdr[0:2])
	pkt.DstPort = binary.BigEndian.Uint16(hdr[2:4])

	// Length (2 bytes at offset 4) includes the header
	length := int(binary.BigEndian.Uint16(hdr[4:6]))
	if length > left || length < udpHeaderLen {
		return core.ErrPacketTooShort
	}

	pkt.Flags |= core.FlagUDP
	pkt.L4Offset = offset
	pkt.L4Len = length
	pkt.PayloadOffset = offset + udpHeaderLen
	pkt.PayloadLen = length - udpHeaderLen
	return nil
}
