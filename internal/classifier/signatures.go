package classifier

import (
	"bytes"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/layers/internal/core"
)

// DefaultSignatures returns the built-in signature set.
func DefaultSignatures() []Signature {
	return []Signature{
		NewSIPSignature(),
		NewHTTPSignature(),
		NewDNSSignature(),
		NewTLSSignature(),
	}
}

// ─── HTTP ───

// HTTPSignature detects HTTP/1.x requests and responses.
type HTTPSignature struct {
	methods        []string
	statusPrefixes []string
}

func NewHTTPSignature() *HTTPSignature {
	return &HTTPSignature{
		methods: []string{
			"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ",
			"PATCH ", "TRACE ", "CONNECT ",
		},
		statusPrefixes: []string{"HTTP/1.0 ", "HTTP/1.1 "},
	}
}

func (h *HTTPSignature) Name() string  { return "http" }
func (h *HTTPSignature) Priority() int { return 80 }

func (h *HTTPSignature) Detect(in *Input) (ProtoResult, Confidence) {
	if !in.TCP || len(in.Payload) == 0 {
		return ProtoResult{}, ConfidenceNone
	}

	for _, method := range h.methods {
		if bytes.HasPrefix(in.Payload, []byte(method)) {
			return h.detectRequest(in)
		}
		// A request split before the first space still looks like HTTP.
		if len(in.Payload) < len(method) && bytes.HasPrefix([]byte(method), in.Payload) {
			return ProtoResult{App: ProtoHTTP}, ConfidenceLow
		}
	}
	for _, prefix := range h.statusPrefixes {
		if bytes.HasPrefix(in.Payload, []byte(prefix)) {
			return h.detectResponse(in)
		}
	}
	return ProtoResult{}, ConfidenceNone
}

func (h *HTTPSignature) detectRequest(in *Input) (ProtoResult, Confidence) {
	head := string(in.Payload[:min(1024, len(in.Payload))])
	end := strings.Index(head, "\r\n")
	if end < 0 {
		return ProtoResult{App: ProtoHTTP}, ConfidenceMedium
	}

	parts := strings.SplitN(head[:end], " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return ProtoResult{}, ConfidenceNone
	}
	method, target := parts[0], parts[1]

	host := headerValue(head[end+2:], "host")
	if in.Labels != nil {
		if host != "" {
			in.Labels[core.LabelHTTPHost] = strings.ToLower(host)
		}
		if strings.HasPrefix(target, "/") {
			in.Labels[core.LabelHTTPURL] = strings.ToLower(host + target)
		} else {
			in.Labels[core.LabelHTTPURL] = strings.ToLower(target)
		}
	}

	switch {
	case method == "CONNECT":
		return ProtoResult{Master: ProtoHTTP, App: ProtoHTTPConnect}, ConfidenceHigh
	case strings.HasPrefix(target, "http://"):
		return ProtoResult{Master: ProtoHTTP, App: ProtoHTTPProxy}, ConfidenceHigh
	default:
		return ProtoResult{App: ProtoHTTP}, ConfidenceHigh
	}
}

func (h *HTTPSignature) detectResponse(in *Input) (ProtoResult, Confidence) {
	line := in.Payload[min(9, len(in.Payload)):]
	if len(line) < 3 {
		return ProtoResult{App: ProtoHTTP}, ConfidenceMedium
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return ProtoResult{}, ConfidenceNone
		}
	}
	return ProtoResult{App: ProtoHTTP}, ConfidenceHigh
}

// headerValue finds a header in a CRLF separated block, case-insensitively.
func headerValue(block, name string) string {
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ─── SIP ───

// SIPSignature detects SIP request and status lines.
type SIPSignature struct {
	methods []string
}

func NewSIPSignature() *SIPSignature {
	return &SIPSignature{
		methods: []string{
			"INVITE", "ACK", "BYE", "CANCEL", "REGISTER", "OPTIONS", "INFO",
			"UPDATE", "PRACK", "SUBSCRIBE", "NOTIFY", "REFER", "MESSAGE", "PUBLISH",
		},
	}
}

func (s *SIPSignature) Name() string  { return "sip" }
func (s *SIPSignature) Priority() int { return 90 }

func (s *SIPSignature) Detect(in *Input) (ProtoResult, Confidence) {
	if len(in.Payload) < 12 {
		return ProtoResult{}, ConfidenceNone
	}
	if bytes.HasPrefix(in.Payload, []byte("SIP/2.0 ")) {
		return ProtoResult{App: ProtoSIP}, ConfidenceHigh
	}

	line := in.Payload
	if i := bytes.Index(line, []byte("\r\n")); i >= 0 {
		line = line[:i]
	}
	for _, method := range s.methods {
		if !bytes.HasPrefix(line, []byte(method+" ")) {
			continue
		}
		rest := line[len(method)+1:]
		if (bytes.HasPrefix(rest, []byte("sip:")) || bytes.HasPrefix(rest, []byte("sips:"))) &&
			bytes.HasSuffix(line, []byte(" SIP/2.0")) {
			return ProtoResult{App: ProtoSIP}, ConfidenceHigh
		}
		return ProtoResult{App: ProtoSIP}, ConfidenceLow
	}
	return ProtoResult{}, ConfidenceNone
}

// ─── DNS ───

// DNSSignature decodes the payload as a DNS message and grades the result by
// header sanity and port.
type DNSSignature struct{}

func NewDNSSignature() *DNSSignature { return &DNSSignature{} }

func (d *DNSSignature) Name() string  { return "dns" }
func (d *DNSSignature) Priority() int { return 70 }

func (d *DNSSignature) Detect(in *Input) (ProtoResult, Confidence) {
	if in.TCP || len(in.Payload) < 12 {
		return ProtoResult{}, ConfidenceNone
	}

	var msg layers.DNS
	if err := msg.DecodeFromBytes(in.Payload, gopacket.NilDecodeFeedback); err != nil {
		return ProtoResult{}, ConfidenceNone
	}
	if msg.QDCount == 0 || msg.QDCount > 16 || msg.OpCode > layers.DNSOpCodeUpdate {
		return ProtoResult{}, ConfidenceNone
	}
	if in.SrcPort == 53 || in.DstPort == 53 || in.SrcPort == 5353 || in.DstPort == 5353 {
		return ProtoResult{Master: ProtoDNS}, ConfidenceHigh
	}
	return ProtoResult{Master: ProtoDNS}, ConfidenceMedium
}

// ─── TLS ───

// TLSSignature matches a handshake record carrying a ClientHello or ServerHello.
type TLSSignature struct{}

func NewTLSSignature() *TLSSignature { return &TLSSignature{} }

func (t *TLSSignature) Name() string  { return "tls" }
func (t *TLSSignature) Priority() int { return 60 }

func (t *TLSSignature) Detect(in *Input) (ProtoResult, Confidence) {
	p := in.Payload
	if !in.TCP || len(p) < 6 {
		return ProtoResult{}, ConfidenceNone
	}
	// ContentType handshake(22), legacy version 3.x, handshake type 1 or 2
	if p[0] != 0x16 || p[1] != 0x03 || p[2] > 0x04 {
		return ProtoResult{}, ConfidenceNone
	}
	if p[5] == 0x01 || p[5] == 0x02 {
		return ProtoResult{Master: ProtoTLS}, ConfidenceHigh
	}
	return ProtoResult{Master: ProtoTLS}, ConfidenceLow
}
