// Package dnsinspect decodes DNS queries and responses.
package dnsinspect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
)

const Name = "dns"

var errNotResponse = errors.New("dns: server sent a non-response message")

func Builder(map[string]any, string) (dissector.Builder, error) {
	return dissector.Builder{
		IDs: []classifier.ProtoID{classifier.ProtoDNS},
		Factory: func(_ *classifier.Context, flow dissector.Flow) dissector.Inspector {
			return New(flow)
		},
	}, nil
}

// Inspector handles one DNS flow. Over UDP every delivery is a message; over
// TCP messages carry a two byte length prefix and may span deliveries.
type Inspector struct {
	flow dissector.Flow
	tcp  bool

	clientBuf []byte
	serverBuf []byte
}

func New(flow dissector.Flow) *Inspector {
	return &Inspector{flow: flow, tcp: flow.Transport == core.TransportTCP}
}

func (i *Inspector) OnClientData(data []byte) error {
	if !i.tcp {
		return i.handle(data, true)
	}
	return i.frames(&i.clientBuf, data, true)
}

func (i *Inspector) OnServerData(data []byte) error {
	if !i.tcp {
		return i.handle(data, false)
	}
	return i.frames(&i.serverBuf, data, false)
}

func (i *Inspector) frames(buf *[]byte, data []byte, fromClient bool) error {
	*buf = append(*buf, data...)
	for len(*buf) >= 2 {
		n := int(binary.BigEndian.Uint16(*buf))
		if len(*buf) < 2+n {
			break
		}
		if err := i.handle((*buf)[2:2+n], fromClient); err != nil {
			return err
		}
		*buf = (*buf)[2+n:]
	}
	return nil
}

func (i *Inspector) handle(data []byte, fromClient bool) error {
	var msg layers.DNS
	if err := msg.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("dns: decode failed: %w", err)
	}
	if !fromClient && !msg.QR {
		return errNotResponse
	}

	labels := core.Labels{core.LabelDNSID: strconv.Itoa(int(msg.ID))}
	if len(msg.Questions) > 0 {
		labels[core.LabelDNSQuery] = string(msg.Questions[0].Name)
		labels[core.LabelDNSQType] = msg.Questions[0].Type.String()
	}

	kind := event.KindDNSQuery
	if msg.QR {
		kind = event.KindDNSResponse
		labels[core.LabelDNSRCode] = msg.ResponseCode.String()
		if answers := answerData(msg.Answers); answers != "" {
			labels[core.LabelDNSAnswers] = answers
		}
	}
	i.flow.Emit(kind, labels)
	return nil
}

func answerData(rrs []layers.DNSResourceRecord) string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		switch rr.Type {
		case layers.DNSTypeA, layers.DNSTypeAAAA:
			out = append(out, rr.IP.String())
		case layers.DNSTypeCNAME:
			out = append(out, string(rr.CNAME))
		case layers.DNSTypeNS:
			out = append(out, string(rr.NS))
		case layers.DNSTypePTR:
			out = append(out, string(rr.PTR))
		case layers.DNSTypeMX:
			out = append(out, string(rr.MX.Name))
		case layers.DNSTypeTXT:
			for _, txt := range rr.TXTs {
				out = append(out, string(txt))
			}
		default:
			out = append(out, rr.Type.String())
		}
	}
	return strings.Join(out, ",")
}
