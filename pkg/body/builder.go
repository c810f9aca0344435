package body

import "github.com/parley-dev/parley/pkg/protocol"

// Frame constructors for building wire-form bodies bottom up. Each
// returns one complete frame (header plus body); containers take their
// children already encoded:
//
//	body.Message(body.Paragraph(body.Text("hi")))

// appendFrame appends one frame to dst.
func appendFrame(dst []byte, typ FrameType, frameBody []byte) []byte {
	dst = protocol.AppendUvarint(dst, uint64(typ))
	dst = protocol.AppendUvarint(dst, uint64(len(frameBody)))
	return append(dst, frameBody...)
}

// Message returns an encoded Message frame containing the given
// paragraphs.
func Message(paragraphs ...[]byte) []byte {
	var inner []byte
	for _, p := range paragraphs {
		inner = append(inner, p...)
	}
	return appendFrame(nil, FrameMessage, inner)
}

// Paragraph returns an encoded Paragraph frame containing the given
// child frames.
func Paragraph(children ...[]byte) []byte {
	var inner []byte
	for _, c := range children {
		inner = append(inner, c...)
	}
	return appendFrame(nil, FrameParagraph, inner)
}

// Text returns an encoded Text frame.
func Text(s string) []byte {
	return appendFrame(nil, FrameText, []byte(s))
}

// PushFormat returns an encoded PushFormat frame.
func PushFormat(f Format) []byte {
	return appendFrame(nil, FramePushFormat, []byte{byte(f >> 8), byte(f)})
}

// PopFormat returns an encoded PopFormat frame.
func PopFormat(f Format) []byte {
	return appendFrame(nil, FramePopFormat, []byte{byte(f >> 8), byte(f)})
}

// Hyperlink returns an encoded Hyperlink frame.
func Hyperlink(label, url string) []byte {
	inner := protocol.AppendUvarint(nil, uint64(len(label)))
	inner = append(inner, label...)
	inner = append(inner, url...)
	return appendFrame(nil, FrameHyperlink, inner)
}

// Mention returns an encoded Mention frame.
func Mention(user int64) []byte {
	return appendFrame(nil, FrameMention, protocol.AppendUvarint(nil, uint64(user)))
}
