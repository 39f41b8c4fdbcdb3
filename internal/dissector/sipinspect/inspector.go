// Package sipinspect parses SIP signalling with the gosip packet parser.
package sipinspect

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"firestige.xyz/layers/internal/classifier"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/dissector"
	"firestige.xyz/layers/internal/event"
)

const Name = "sip"

const DefaultMaxBuffer = 64 << 10

type Options struct {
	MaxBuffer int `mapstructure:"max_buffer"`
}

func Builder(raw map[string]any, _ string) (dissector.Builder, error) {
	var opts Options
	if err := dissector.DecodeOptions(raw, &opts); err != nil {
		return dissector.Builder{}, fmt.Errorf("%s: %w", Name, err)
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	return dissector.Builder{
		IDs: []classifier.ProtoID{classifier.ProtoSIP},
		Factory: func(_ *classifier.Context, flow dissector.Flow) dissector.Inspector {
			return New(opts, flow)
		},
	}, nil
}

// Inspector emits one event per SIP message. UDP deliveries are whole
// messages; TCP streams are framed by Content-Length.
type Inspector struct {
	opts   Options
	flow   dissector.Flow
	tcp    bool
	parser *parser.PacketParser

	clientBuf []byte
	serverBuf []byte
}

func New(opts Options, flow dissector.Flow) *Inspector {
	return &Inspector{
		opts:   opts,
		flow:   flow,
		tcp:    flow.Transport == core.TransportTCP,
		parser: parser.NewPacketParser(newLogAdapter()),
	}
}

func (i *Inspector) OnClientData(data []byte) error { return i.onData(&i.clientBuf, data) }

func (i *Inspector) OnServerData(data []byte) error { return i.onData(&i.serverBuf, data) }

func (i *Inspector) onData(buf *[]byte, data []byte) error {
	if !i.tcp {
		return i.handle(data)
	}

	*buf = append(*buf, data...)
	for {
		*buf = bytes.TrimLeft(*buf, "\r\n")
		n, ok, err := frameLen(*buf, i.opts.MaxBuffer)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := i.handle((*buf)[:n]); err != nil {
			return err
		}
		*buf = (*buf)[n:]
	}
	if len(*buf) > i.opts.MaxBuffer {
		return fmt.Errorf("%w: %d bytes pending", core.ErrInspectorBuffer, len(*buf))
	}
	return nil
}

func (i *Inspector) handle(data []byte) error {
	msg, err := i.parser.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("sip: parse failed: %w", err)
	}

	labels := core.Labels{}
	if id, ok := msg.CallID(); ok {
		labels[core.LabelSIPCallID] = id.Value()
	}
	if from, ok := msg.From(); ok && from.Address != nil {
		labels[core.LabelSIPFromURI] = from.Address.String()
	}
	if to, ok := msg.To(); ok && to.Address != nil {
		labels[core.LabelSIPToURI] = to.Address.String()
	}
	if cseq, ok := msg.CSeq(); ok {
		labels[core.LabelSIPCSeq] = cseq.Value()
	}

	switch m := msg.(type) {
	case sip.Request:
		labels[core.LabelSIPMethod] = string(m.Method())
		i.flow.Emit(event.KindSIPRequest, labels)
	case sip.Response:
		labels[core.LabelSIPStatusCode] = strconv.Itoa(int(m.StatusCode()))
		i.flow.Emit(event.KindSIPResponse, labels)
	}
	return nil
}

// frameLen returns the length of the first complete message in buf. A
// Content-Length above limit is an error.
func frameLen(buf []byte, limit int) (int, bool, error) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		return 0, false, nil
	}
	body, err := contentLength(buf[:end], limit)
	if err != nil {
		return 0, false, err
	}
	total := end + 4 + body
	if len(buf) < total {
		return 0, false, nil
	}
	return total, true, nil
}

// contentLength reads the Content-Length (or compact l) header. A missing or
// unparsable value counts as an empty body.
func contentLength(header []byte, limit int) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "content-length" && name != "l" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, nil
		}
		if n < 0 || n > limit {
			return 0, fmt.Errorf("%w: content length %d", core.ErrInspectorBuffer, n)
		}
		return n, nil
	}
	return 0, nil
}
