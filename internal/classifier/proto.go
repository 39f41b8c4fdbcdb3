package classifier

import (
	"fmt"
	"strings"
)

// ProtoID is a numeric protocol identifier. Values follow the nDPI numbering
// so ids match what nDPI based tooling reports.
type ProtoID uint16

const (
	ProtoUnknown     ProtoID = 0
	ProtoDNS         ProtoID = 5
	ProtoHTTP        ProtoID = 7
	ProtoTLS         ProtoID = 91
	ProtoSIP         ProtoID = 100
	ProtoHTTPConnect ProtoID = 130
	ProtoHTTPProxy   ProtoID = 131
)

var protoNames = map[ProtoID]string{
	ProtoUnknown:     "Unknown",
	ProtoDNS:         "DNS",
	ProtoHTTP:        "HTTP",
	ProtoTLS:         "TLS",
	ProtoSIP:         "SIP",
	ProtoHTTPConnect: "HTTP_Connect",
	ProtoHTTPProxy:   "HTTP_Proxy",
}

func (p ProtoID) String() string {
	if name, ok := protoNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Proto(%d)", uint16(p))
}

// ProtoByName resolves a protocol name case-insensitively.
func ProtoByName(name string) (ProtoID, bool) {
	for id, n := range protoNames {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return ProtoUnknown, false
}

// ProtoResult is a classifier verdict. Master is the transport-level protocol,
// App the application-level one; either may be zero.
type ProtoResult struct {
	Master ProtoID
	App    ProtoID
}

// Success reports whether the verdict names any protocol.
func (r ProtoResult) Success() bool {
	return r.Master != ProtoUnknown || r.App != ProtoUnknown
}

func (r ProtoResult) String() string {
	switch {
	case r.Master != ProtoUnknown && r.App != ProtoUnknown && r.Master != r.App:
		return r.Master.String() + "." + r.App.String()
	case r.App != ProtoUnknown:
		return r.App.String()
	default:
		return r.Master.String()
	}
}
