// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/layers/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40
)

// decodeIPv4 validates the IPv4 header at offset and caches addresses and protocol.
// Returns the offset of the transport header and the end of the IP datagram;
// bytes past end are link-layer padding.
func decodeIPv4(pkt *core.Packet, offset int) (int, int, error) {
	left := len(pkt.Data) - offset
	if left < ipv4HeaderMinLen {
		return 0, 0, core.ErrPacketTooShort
	}
	hdr := pkt.Data[offset:]

	pkt.SrcIP = netip.AddrFrom4([4]byte(hdr[12:16]))
	pkt.DstIP = netip.AddrFrom4([4]byte(hdr[16:20]))

	if hdr[0]>>4 != 4 {
		return 0, 0, core.ErrUnsupportedProto
	}

	// IHL is in 32-bit words
	headerLen := int(hdr[0]&0x0F) << 2
	totalLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	if headerLen < ipv4HeaderMinLen || totalLen > left || totalLen < headerLen {
		return 0, 0, core.ErrPacketTooShort
	}

	pkt.Flags |= core.FlagIPv4
	pkt.Proto = hdr[9]
	pkt.IPOffset = offset
	pkt.IPLen = totalLen
	return offset + headerLen, offset + totalLen, nil
}

// decodeIPv6 reads the fixed IPv6 header. Extension headers are not walked,
// so only a next header of TCP or UDP leads to transport decoding.
func decodeIPv6(pkt *core.Packet, offset int) (int, int, error) {
	left := len(pkt.Data) - offset
	if left < ipv6HeaderLen {
		return 0, 0, core.ErrPacketTooShort
	}
	hdr := pkt.Data[offset:]

	pkt.SrcIP = netip.AddrFrom16([16]byte(hdr[8:24]))
	pkt.DstIP = netip.AddrFrom16([16]byte(hdr[24:40]))

	if hdr[0]>>4 != 6 {
		return 0, 0, core.ErrUnsupportedProto
	}

	payloadLen := int(binary.BigEndian.Uint16(hdr[4:6]))
	if ipv6HeaderLen+payloadLen > left {
		return 0, 0, core.ErrPacketTooShort
	}

	pkt.Flags |= core.FlagIPv6
	pkt.Proto = hdr[6]
	pkt.IPOffset = offset
	pkt.IPLen = ipv6HeaderLen + payloadLen
	return offset + ipv6HeaderLen, offset + ipv6HeaderLen + payloadLen, nil
}

const (
	ipv4FlagDF     = 0x4000
	ipv4FlagMF     = 0x2000
	ipv4OffsetMask = 0x1FFF
)

// isIPv4Fragment reports whether the datagram is one piece of a larger one.
// The first fragment carries a transport header whose length fields describe
// the whole datagram, so it is left undecoded like the rest.
func isIPv4Fragment(hdr []byte) bool {
	// Flags and Fragment Offset (2 bytes at offset 6)
	return binary.BigEndian.Uint16(hdr[6:8])&(ipv4FlagMF|ipv4OffsetMask) != 0
}
