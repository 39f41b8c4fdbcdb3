// Package file replays pcap and pcapng files.
package file

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/layers/internal/core"
)

// pcapng section header block type, same in both byte orders
var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Source reads frames from a capture file.
type Source struct {
	path     string
	f        *os.File
	reader   packetReader
	linkType layers.LinkType
}

// Open opens path and detects its format from the leading magic number.
func Open(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("file source requires a path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	s := &Source{path: path, f: f}
	if err := s.init(bufio.NewReader(f)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	return s, nil
}

func (s *Source) init(br *bufio.Reader) error {
	magic, err := br.Peek(4)
	if err != nil {
		return err
	}
	if bytes.Equal(magic, ngMagic) {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return err
		}
		s.reader, s.linkType = r, r.LinkType()
		return nil
	}

	r, err := pcapgo.NewReader(br)
	if err != nil {
		return err
	}
	s.reader, s.linkType = r, r.LinkType()
	return nil
}

// ReadPacket returns the next frame, or io.EOF at the end of the file.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	if s.reader == nil {
		return core.RawPacket{}, core.ErrSourceClosed
	}
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return core.RawPacket{}, io.EOF
		}
		return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
	}
	return core.RawPacket{
		Data:           data,
		Timestamp:      ci.Timestamp,
		CaptureLen:     uint32(ci.CaptureLength),
		OrigLen:        uint32(ci.Length),
		InterfaceIndex: ci.InterfaceIndex,
	}, nil
}

func (s *Source) LinkType() layers.LinkType { return s.linkType }

func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	s.reader = nil
	err := s.f.Close()
	s.f = nil
	return err
}
