// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import "firestige.xyz/layers/internal/core"

// Config controls optional decoding.
type Config struct {
	// DisableIPv6 leaves IPv6 frames undecoded.
	DisableIPv6 bool
}

// Decoder turns raw frames into layered packets. It is stateless and safe for
// concurrent use.
type Decoder struct {
	cfg Config
}

// New creates a decoder.
func New(cfg Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// Decode builds a Packet from a raw frame. It never fails: a bound violation at
// any layer sets core.FlagMalformed and leaves the remaining layers undecoded.
func (d *Decoder) Decode(raw core.RawPacket) *core.Packet {
	pkt := &core.Packet{
		Data:      raw.Data,
		Timestamp: raw.Timestamp,
	}
	if err := d.decode(pkt); err != nil {
		pkt.Flags |= core.FlagMalformed
	}
	if pkt.PayloadLen > 0 {
		pkt.Flags |= core.FlagPayload
	}
	return pkt
}

func (d *Decoder) decode(pkt *core.Packet) error {
	offset, err := decodeEthernet(pkt)
	if err != nil {
		return err
	}

	var l4, end int
	switch pkt.EtherType {
	case etherTypeIPv4:
		if l4, end, err = decodeIPv4(pkt, offset); err != nil {
			return err
		}
		if isIPv4Fragment(pkt.Data[offset:]) {
			pkt.Flags |= core.FlagFragment
			return nil
		}
	case etherTypeIPv6:
		if d.cfg.DisableIPv6 {
			return nil
		}
		if l4, end, err = decodeIPv6(pkt, offset); err != nil {
			return err
		}
	case etherTypeARP:
		pkt.Flags |= core.FlagARP
		return nil
	default:
		return nil
	}

	switch pkt.Proto {
	case core.IPProtoTCP:
		return decodeTCP(pkt, l4, end)
	case core.IPProtoUDP:
		return decodeUDP(pkt, l4, end)
	case core.IPProtoICMP:
		pkt.Flags |= core.FlagICMP
	}
	return nil
}
