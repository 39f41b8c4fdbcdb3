// Package capture opens packet sources.
package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/capture/file"
	"firestige.xyz/layers/internal/core"
)

// Source produces raw frames. ReadPacket returns io.EOF when a finite source
// is exhausted and core.ErrReadTimeout when a live source had nothing to read
// within its poll timeout. A Source is read from a single goroutine, which
// also closes it.
type Source interface {
	ReadPacket() (core.RawPacket, error)
	LinkType() layers.LinkType
	Close() error
}

// Open creates the source selected in configuration.
func Open(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Source {
	case "file":
		return file.Open(cfg.File)
	case "afpacket":
		return openAFPacket(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSourceType, cfg.Source)
	}
}
