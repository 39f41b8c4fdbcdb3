//go:build !linux

package capture

import (
	"fmt"

	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/core"
)

func openAFPacket(config.CaptureConfig) (Source, error) {
	return nil, fmt.Errorf("%w: afpacket is only available on linux", core.ErrUnknownSourceType)
}
