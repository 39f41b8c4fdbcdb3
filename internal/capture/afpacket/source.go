//go:build linux

// Package afpacket captures live traffic from a TPACKET_V3 ring.
package afpacket

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/log"
)

type Config struct {
	Interface    string
	SnapLen      int
	BufferSizeMB int
	TimeoutMs    int
	FanoutID     uint16 // 0 disables fanout
	BPFFilter    string
}

// Source reads frames from an AF_PACKET socket. The handle unmaps the ring on
// Close, so Close must be called by the goroutine that calls ReadPacket.
type Source struct {
	handle *afpacket.TPacket
	iface  string
}

func Open(cfg Config) (*Source, error) {
	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	opts := []interface{}{
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(cfg.TimeoutMs),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	}
	if cfg.Interface != "" && cfg.Interface != "any" {
		opts = append(opts, afpacket.OptInterface(cfg.Interface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open afpacket on %s: %w", cfg.Interface, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHash, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to join fanout group %d: %w", cfg.FanoutID, err)
		}
	}

	if cfg.BPFFilter != "" {
		if err := setFilter(tp, cfg.SnapLen, cfg.BPFFilter); err != nil {
			tp.Close()
			return nil, err
		}
	}

	if err := tp.InitSocketStats(); err != nil {
		log.GetLogger().WithError(err).Warn("failed to init socket stats")
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"interface":  cfg.Interface,
		"frame_size": frameSize,
		"block_size": blockSize,
		"num_blocks": numBlocks,
		"fanout_id":  cfg.FanoutID,
	}).Info("afpacket source opened")

	return &Source{handle: tp, iface: cfg.Interface}, nil
}

func setFilter(tp *afpacket.TPacket, snapLen int, filter string) error {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return fmt.Errorf("failed to compile bpf filter %q: %w", filter, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	if err := tp.SetBPF(raw); err != nil {
		return fmt.Errorf("failed to attach bpf filter: %w", err)
	}
	return nil
}

// ReadPacket copies the next frame out of the ring. A poll timeout is
// reported as core.ErrReadTimeout.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	if s.handle == nil {
		return core.RawPacket{}, core.ErrSourceClosed
	}
	data, ci, err := s.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			return core.RawPacket{}, core.ErrReadTimeout
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

func (s *Source) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *Source) Close() error {
	if s.handle == nil {
		return nil
	}
	if _, v3, err := s.handle.SocketStats(); err == nil {
		log.GetLogger().WithFields(map[string]interface{}{
			"interface": s.iface,
			"packets":   v3.Packets(),
			"drops":     v3.Drops(),
		}).Info("afpacket source closed")
	}
	s.handle.Close()
	s.handle = nil
	return nil
}
