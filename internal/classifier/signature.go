package classifier

import "firestige.xyz/layers/internal/core"

// Confidence grades a signature match.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "none"
	}
}

// Input is what a signature sees of one packet.
type Input struct {
	Payload []byte
	SrcPort uint16
	DstPort uint16
	TCP     bool

	// Labels is the flow's label set; signatures may record metadata into it.
	Labels core.Labels
}

// Signature recognises one protocol family from payload bytes.
type Signature interface {
	Name() string
	// Priority orders signatures; higher runs first.
	Priority() int
	Detect(in *Input) (ProtoResult, Confidence)
}
