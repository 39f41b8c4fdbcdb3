package core

// Transport distinguishes the flow tables of a worker.
type Transport uint8

const (
	TransportTCP Transport = iota + 1
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// TransportOf returns the transport of a decoded packet, or 0 when it has none.
func TransportOf(p *Packet) Transport {
	switch {
	case p.IsTCP():
		return TransportTCP
	case p.IsUDP():
		return TransportUDP
	default:
		return 0
	}
}
