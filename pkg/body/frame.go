package body

// FrameType identifies a node type in the body grammar.
type FrameType uint64

const (
	FrameMessage    FrameType = 0
	FrameParagraph  FrameType = 1
	FrameText       FrameType = 2
	FramePushFormat FrameType = 3
	FramePopFormat  FrameType = 4
	FrameHyperlink  FrameType = 5
	FrameMention    FrameType = 6
)

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameMessage:
		return "Message"
	case FrameParagraph:
		return "Paragraph"
	case FrameText:
		return "Text"
	case FramePushFormat:
		return "PushFormat"
	case FramePopFormat:
		return "PopFormat"
	case FrameHyperlink:
		return "Hyperlink"
	case FrameMention:
		return "Mention"
	default:
		return "Unknown"
	}
}

// known reports whether the code names a frame type in the grammar.
func (ft FrameType) known() bool {
	return ft <= FrameMention
}

// childAllowed reports whether child may appear directly inside parent.
// Leaf frames allow no children at all.
func childAllowed(parent, child FrameType) bool {
	switch parent {
	case FrameMessage:
		return child == FrameParagraph
	case FrameParagraph:
		switch child {
		case FrameText, FramePushFormat, FramePopFormat, FrameHyperlink, FrameMention:
			return true
		}
	}
	return false
}

// Format is the 16-bit text style bitset carried by PushFormat and
// PopFormat frames, encoded big-endian on the wire.
type Format uint16

const (
	FormatEmphasis Format = 0x0001
	FormatStrong   Format = 0x0002

	// knownFormats masks every assigned style bit. Bits outside the
	// mask are rejected rather than ignored, so a new style can never
	// be silently dropped by an old peer.
	knownFormats = FormatEmphasis | FormatStrong
)

// Has returns true if the bitset contains flag.
func (f Format) Has(flag Format) bool {
	return f&flag != 0
}

// String returns the string representation of the format bitset.
func (f Format) String() string {
	switch f {
	case FormatEmphasis:
		return "Emphasis"
	case FormatStrong:
		return "Strong"
	case FormatEmphasis | FormatStrong:
		return "Emphasis|Strong"
	case 0:
		return "None"
	default:
		return "Unknown"
	}
}
