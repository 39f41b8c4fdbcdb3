package core

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// FlowKey identifies a flow regardless of packet direction.
// Addresses and ports are ordered independently, so the key of a
// client-to-server packet equals the key of the reply.
type FlowKey struct {
	LowIP    netip.Addr
	HighIP   netip.Addr
	LowPort  uint16
	HighPort uint16
}

// NewFlowKey builds the canonical key for a 4-tuple.
func NewFlowKey(ipA, ipB netip.Addr, portA, portB uint16) FlowKey {
	k := FlowKey{LowIP: ipA, HighIP: ipB, LowPort: portA, HighPort: portB}
	if ipB.Less(ipA) {
		k.LowIP, k.HighIP = ipB, ipA
	}
	if portB < portA {
		k.LowPort, k.HighPort = portB, portA
	}
	return k
}

// Hash is the wrapping sum of the key fields. IPv4 addresses contribute one
// 32-bit word, IPv6 addresses contribute four.
func (k FlowKey) Hash() uint32 {
	return addrSum(k.LowIP) + addrSum(k.HighIP) + uint32(k.LowPort) + uint32(k.HighPort)
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s <-> %s",
		netip.AddrPortFrom(k.LowIP, k.LowPort), netip.AddrPortFrom(k.HighIP, k.HighPort))
}

func addrSum(a netip.Addr) uint32 {
	switch {
	case a.Is4():
		b := a.As4()
		return binary.BigEndian.Uint32(b[:])
	case a.IsValid():
		b := a.As16()
		var sum uint32
		for i := 0; i < 16; i += 4 {
			sum += binary.BigEndian.Uint32(b[i : i+4])
		}
		return sum
	default:
		return 0
	}
}
