//go:build linux

package capture

import (
	"firestige.xyz/layers/internal/capture/afpacket"
	"firestige.xyz/layers/internal/config"
)

func openAFPacket(cfg config.CaptureConfig) (Source, error) {
	return afpacket.Open(afpacket.Config{
		Interface:    cfg.Interface,
		SnapLen:      cfg.SnapLen,
		BufferSizeMB: cfg.BufferSizeMB,
		TimeoutMs:    cfg.TimeoutMs,
		FanoutID:     uint16(cfg.FanoutID),
		BPFFilter:    cfg.BPFFilter,
	})
}
