package engine

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/event"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

type segment struct {
	src, dst     string
	sport, dport uint16
	seq          uint32
	syn, ack     bool
	fin          bool
	payload      string
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
		Protocol: proto,
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpFrame(t *testing.T, s segment) []byte {
	ip := ipv4(s.src, s.dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.sport),
		DstPort: layers.TCPPort(s.dport),
		Seq:     s.seq,
		SYN:     s.syn,
		ACK:     s.ack,
		FIN:     s.fin,
		PSH:     s.payload != "",
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(), ip, tcp, gopacket.Payload(s.payload))
}

func udpFrame(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(), ip, udp, gopacket.Payload(payload))
}

func dnsMessage(t *testing.T, response bool) []byte {
	msg := &layers.DNS{
		ID:      0x0101,
		QR:      response,
		RD:      true,
		QDCount: 1,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	if response {
		msg.ANCount = 1
		msg.Answers = []layers.DNSResourceRecord{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN, TTL: 60, IP: net.IPv4(93, 184, 216, 34).To4()},
		}
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, msg.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}))
	return buf.Bytes()
}

func trace(t *testing.T) [][]byte {
	const (
		client = "10.0.0.1"
		server = "10.0.0.2"
		req    = "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
		resp   = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	)
	icmp := serialize(t, ethernet(), ipv4(client, server, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})

	return [][]byte{
		tcpFrame(t, segment{src: client, dst: server, sport: 1234, dport: 80, seq: 1000, syn: true}),
		tcpFrame(t, segment{src: server, dst: client, sport: 80, dport: 1234, seq: 5000, syn: true, ack: true}),
		tcpFrame(t, segment{src: client, dst: server, sport: 1234, dport: 80, seq: 1001, ack: true}),
		tcpFrame(t, segment{src: client, dst: server, sport: 1234, dport: 80, seq: 1001, ack: true, payload: req}),
		tcpFrame(t, segment{src: server, dst: client, sport: 80, dport: 1234, seq: 5001, ack: true, payload: resp}),
		tcpFrame(t, segment{src: client, dst: server, sport: 1234, dport: 80, seq: 1001 + uint32(len(req)), ack: true, fin: true}),
		udpFrame(t, client, "10.0.0.53", 40000, 53, dnsMessage(t, false)),
		udpFrame(t, "10.0.0.53", client, 53, 40000, dnsMessage(t, true)),
		icmp,
		{0x01, 0x02, 0x03},
	}
}

func writeTrace(t *testing.T, dir string, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(dir, "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	base := time.Unix(1700000000, 0)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func loadConfig(t *testing.T, tracePath, workspace string) config.GlobalConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
layers:
  capture:
    source: file
    file: ` + tracePath + `
  workers:
    count: 2
    queue_size: 64
    backpressure: block
  dissectors:
    enabled: [http, dns, sip]
  events:
    sink: discard
  metrics:
    enabled: false
  workspace: ` + workspace + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return *cfg
}

func countKinds(events []event.Event) map[string]int {
	out := map[string]int{}
	for _, ev := range events {
		out[ev.Kind]++
	}
	return out
}

func TestReplayFile(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, writeTrace(t, dir, trace(t)), dir)

	sink := &event.Collector{}
	e, err := New(cfg, WithSink(sink))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, e.State())

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, StateStopped, e.State())

	assert.Equal(t, Stats{Received: 10, Malformed: 1, Skipped: 1, Dispatched: 8}, e.Stats())

	events := sink.Events()
	assert.Equal(t, map[string]int{
		event.KindHTTPRequest:  1,
		event.KindHTTPResponse: 1,
		event.KindDNSQuery:     1,
		event.KindDNSResponse:  1,
		event.KindSessionEnd:   2,
	}, countKinds(events))

	for _, ev := range events {
		switch ev.Kind {
		case event.KindHTTPRequest:
			assert.Equal(t, "/index.html", ev.Labels[core.LabelHTTPURL])
			assert.Equal(t, "10.0.0.1:1234", ev.Client)
			assert.Equal(t, "10.0.0.2:80", ev.Server)
			assert.Equal(t, "tcp", ev.Transport)
		case event.KindHTTPResponse:
			assert.Equal(t, "200", ev.Labels[core.LabelHTTPStatus])
		case event.KindDNSResponse:
			assert.Equal(t, "93.184.216.34", ev.Labels[core.LabelDNSAnswers])
		case event.KindSessionEnd:
			assert.Equal(t, "success", ev.Labels["session.state"])
		}
	}

	err = e.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrEngineState)
}

const sdp = "v=0\r\no=- 0 0 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"

var invite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@example.com>\r\n" +
	"From: Alice <sip:alice@example.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@10.0.0.1\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: " + strconv.Itoa(len(sdp)) + "\r\n\r\n" + sdp

// fragmentFrame splits the IPv4 payload of an untagged frame with a 20 byte
// IP header into fragments carrying size bytes each.
func fragmentFrame(frame []byte, size int) [][]byte {
	const hdrEnd = 14 + 20
	payload := frame[hdrEnd:]
	var out [][]byte
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		f := make([]byte, hdrEnd+end-off)
		copy(f, frame[:hdrEnd])
		copy(f[hdrEnd:], payload[off:end])

		ip := f[14:hdrEnd]
		binary.BigEndian.PutUint16(ip[2:4], uint16(20+end-off))
		flagsOffset := uint16(off / 8)
		if end < len(payload) {
			flagsOffset |= 0x2000
		}
		binary.BigEndian.PutUint16(ip[6:8], flagsOffset)
		out = append(out, f)
	}
	return out
}

func TestReplayFragmentedDatagram(t *testing.T) {
	tests := []struct {
		name   string
		defrag bool
		stats  Stats
		kinds  map[string]int
	}{
		{
			name:   "reassembled",
			defrag: true,
			stats:  Stats{Received: 3, Dispatched: 1, Fragments: 2},
			kinds:  map[string]int{event.KindSIPRequest: 1, event.KindSessionEnd: 1},
		},
		{
			name:   "defrag disabled",
			defrag: false,
			stats:  Stats{Received: 3, Skipped: 3},
			kinds:  map[string]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frags := fragmentFrame(udpFrame(t, "10.0.0.1", "10.0.0.2", 5060, 5060, []byte(invite)), 200)
			require.Len(t, frags, 3)
			frags[0], frags[2] = frags[2], frags[0]

			dir := t.TempDir()
			cfg := loadConfig(t, writeTrace(t, dir, frags), dir)
			cfg.Decoder.Defrag.Enabled = tt.defrag

			sink := &event.Collector{}
			e, err := New(cfg, WithSink(sink))
			require.NoError(t, err)
			require.NoError(t, e.Run(context.Background()))

			assert.Equal(t, tt.stats, e.Stats())
			assert.Equal(t, tt.kinds, countKinds(sink.Events()))
			for _, ev := range sink.Events() {
				if ev.Kind == event.KindSIPRequest {
					assert.Equal(t, "INVITE", ev.Labels[core.LabelSIPMethod])
					assert.Equal(t, "udp", ev.Transport)
				}
			}
		})
	}
}

// idleSource never yields a packet.
type idleSource struct {
	closed atomic.Bool
}

func (s *idleSource) ReadPacket() (core.RawPacket, error) {
	time.Sleep(time.Millisecond)
	return core.RawPacket{}, core.ErrReadTimeout
}

func (s *idleSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *idleSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestRunStopsOnShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, filepath.Join(dir, "unused.pcap"), dir)

	src := &idleSource{}
	e, err := New(cfg, WithSource(src), WithSink(event.Discard))
	require.NoError(t, err)

	sd := NewShutdown(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(sd.Context()) }()

	assert.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, time.Millisecond)
	sd.Trigger("test")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, StateStopped, e.State())
	assert.True(t, src.closed.Load())
	assert.Equal(t, "test", sd.Reason())
}

type linuxSLLSource struct{ idleSource }

func (s *linuxSLLSource) LinkType() layers.LinkType { return layers.LinkTypeLinuxSLL }

func TestNewRejectsLinkType(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, filepath.Join(dir, "unused.pcap"), dir)

	src := &linuxSLLSource{}
	_, err := New(cfg, WithSource(src), WithSink(event.Discard))
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
	assert.True(t, src.closed.Load())
}

func TestNewUnknownDissector(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, filepath.Join(dir, "unused.pcap"), dir)
	cfg.Dissectors.Enabled = []string{"ftp"}

	_, err := New(cfg, WithSource(&idleSource{}), WithSink(event.Discard))
	assert.ErrorIs(t, err, core.ErrDissectorNotFound)
}

func TestShutdown(t *testing.T) {
	sd := NewShutdown(context.Background())
	assert.Empty(t, sd.Reason())

	sd.Trigger("first")
	sd.Trigger("second")
	<-sd.Done()
	assert.Equal(t, "first", sd.Reason())

	parent, cancel := context.WithCancel(context.Background())
	watched := NewShutdown(context.Background())
	watched.Watch(parent, "signal")
	cancel()
	select {
	case <-watched.Done():
	case <-time.After(time.Second):
		t.Fatal("watch did not trigger")
	}
	assert.Equal(t, "signal", watched.Reason())
}
