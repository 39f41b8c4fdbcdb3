// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/layers/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeEthernet reads the Ethernet header and unwraps at most one VLAN tag.
// Returns the offset of the network layer.
func decodeEthernet(pkt *core.Packet) (int, error) {
	data := pkt.Data
	if len(data) < ethernetHeaderLen {
		return 0, core.ErrPacketTooShort
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	if etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return 0, core.ErrPacketTooShort
		}
		// VLAN header: 2 bytes TCI + 2 bytes EtherType
		pkt.VLAN = binary.BigEndian.Uint16(data[offset:offset+2]) & 0x0FFF
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	pkt.EtherType = etherType
	return offset, nil
}
