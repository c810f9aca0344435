package body

import (
	"fmt"
	"unicode/utf8"

	"github.com/parley-dev/parley/pkg/protocol"
)

// ErrorCode identifies the class of a validation failure.
type ErrorCode uint8

const (
	// ErrFrameOverflow covers every disagreement between a declared
	// length and the bytes actually present: a truncated or oversized
	// varint in a frame header, a frame body extending past the end of
	// the input, or a leaf body whose declared span does not match its
	// fixed-layout contents.
	ErrFrameOverflow ErrorCode = iota + 1

	// ErrBadRoot: the outermost frame is not a Message.
	ErrBadRoot

	// ErrBadChild: a known frame type appeared inside a parent whose
	// grammar does not allow it.
	ErrBadChild

	// ErrText: a Text frame (or a Hyperlink label) is not valid UTF-8.
	ErrText

	// ErrUnknownFormat: a PushFormat/PopFormat bitset has bits set
	// outside the assigned styles.
	ErrUnknownFormat

	// ErrNonASCIIURL: a Hyperlink URL contains a byte outside ASCII.
	ErrNonASCIIURL

	// ErrUnknownFrame: a frame code outside the grammar table.
	ErrUnknownFrame
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrFrameOverflow:
		return "FrameOverflow"
	case ErrBadRoot:
		return "BadRoot"
	case ErrBadChild:
		return "BadChild"
	case ErrText:
		return "Text"
	case ErrUnknownFormat:
		return "UnknownFormat"
	case ErrNonASCIIURL:
		return "NonAsciiUrl"
	case ErrUnknownFrame:
		return "UnknownFrame"
	default:
		return "Unknown"
	}
}

// Error is a structural validation failure. Code is always set; the
// remaining fields carry context for the codes that have it.
type Error struct {
	Code   ErrorCode
	Parent FrameType // ErrBadChild: the enclosing frame
	Child  FrameType // ErrBadChild: the rejected frame
	Frame  uint64    // ErrUnknownFrame: the unrecognized code
	Bits   Format    // ErrUnknownFormat: the offending bitset
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Code {
	case ErrFrameOverflow:
		return "body: frame extends past its container"
	case ErrBadRoot:
		return "body: root frame must be Message"
	case ErrBadChild:
		return fmt.Sprintf("body: %s frame not allowed inside %s", e.Child, e.Parent)
	case ErrText:
		return "body: text is not valid UTF-8"
	case ErrUnknownFormat:
		return fmt.Sprintf("body: unknown format bits %#04x", uint16(e.Bits))
	case ErrNonASCIIURL:
		return "body: hyperlink url is not ASCII"
	case ErrUnknownFrame:
		return fmt.Sprintf("body: unknown frame type %d", e.Frame)
	default:
		return "body: invalid"
	}
}

// Validation is the outcome of a successful Validate call. It is not
// mutated afterwards.
type Validation struct {
	// Mentions lists every mentioned user in encounter order.
	// Duplicates are preserved.
	Mentions []int64

	// Body is the byte span consumed by the root frame, header
	// included. It references the input buffer.
	Body []byte

	// Rest is whatever followed the root frame in the input. Validate
	// does not inspect it; callers decide whether trailing bytes are
	// acceptable.
	Rest []byte
}

// Validate checks data against the frame grammar by recursive descent.
// The root frame must be a Message; every nested frame must be legal
// inside its parent and internally well formed. Validation never
// mutates shared state, so a failure at any depth leaves nothing to
// undo.
func Validate(data []byte) (*Validation, error) {
	typ, frameBody, rest, err := readFrame(data)
	if err != nil {
		return nil, err
	}
	if typ != FrameMessage {
		return nil, &Error{Code: ErrBadRoot}
	}

	v := &Validation{}
	if err := v.walk(FrameMessage, frameBody); err != nil {
		return nil, err
	}

	v.Body = data[:len(data)-len(rest)]
	v.Rest = rest
	return v, nil
}

// readFrame splits one [varint type][varint length][body] frame off the
// front of buf, returning the frame type, its body, and the bytes that
// follow it.
func readFrame(buf []byte) (FrameType, []byte, []byte, error) {
	typ, n := protocol.DecodeUvarint(buf)
	if n <= 0 {
		return 0, nil, nil, &Error{Code: ErrFrameOverflow}
	}
	buf = buf[n:]

	length, n := protocol.DecodeUvarint(buf)
	if n <= 0 {
		return 0, nil, nil, &Error{Code: ErrFrameOverflow}
	}
	buf = buf[n:]

	if length > uint64(len(buf)) {
		return 0, nil, nil, &Error{Code: ErrFrameOverflow}
	}
	return FrameType(typ), buf[:length], buf[length:], nil
}

// walk validates buf as a sequence of sibling frames inside parent,
// recursing into containers and checking each leaf's internal layout.
func (v *Validation) walk(parent FrameType, buf []byte) error {
	for len(buf) > 0 {
		typ, frameBody, rest, err := readFrame(buf)
		if err != nil {
			return err
		}
		if !typ.known() {
			return &Error{Code: ErrUnknownFrame, Frame: uint64(typ)}
		}
		if !childAllowed(parent, typ) {
			return &Error{Code: ErrBadChild, Parent: parent, Child: typ}
		}

		switch typ {
		case FrameParagraph:
			if err := v.walk(FrameParagraph, frameBody); err != nil {
				return err
			}
		case FrameText:
			if !utf8.Valid(frameBody) {
				return &Error{Code: ErrText}
			}
		case FramePushFormat, FramePopFormat:
			if err := checkFormat(frameBody); err != nil {
				return err
			}
		case FrameHyperlink:
			if err := checkHyperlink(frameBody); err != nil {
				return err
			}
		case FrameMention:
			user, err := readMention(frameBody)
			if err != nil {
				return err
			}
			v.Mentions = append(v.Mentions, user)
		}

		buf = rest
	}
	return nil
}

// checkFormat validates a PushFormat/PopFormat body: exactly two bytes,
// big-endian, with only assigned style bits set.
func checkFormat(frameBody []byte) error {
	if len(frameBody) != 2 {
		return &Error{Code: ErrFrameOverflow}
	}
	bits := Format(frameBody[0])<<8 | Format(frameBody[1])
	if bits&^knownFormats != 0 {
		return &Error{Code: ErrUnknownFormat, Bits: bits}
	}
	return nil
}

// checkHyperlink validates a Hyperlink body: a varint label length, the
// label (held to the same UTF-8 rule as Text), then the URL running to
// the end of the body. The URL must be ASCII; an empty URL or label is
// fine.
func checkHyperlink(frameBody []byte) error {
	labelLen, n := protocol.DecodeUvarint(frameBody)
	if n <= 0 {
		return &Error{Code: ErrFrameOverflow}
	}
	frameBody = frameBody[n:]
	if labelLen > uint64(len(frameBody)) {
		return &Error{Code: ErrFrameOverflow}
	}

	label := frameBody[:labelLen]
	if !utf8.Valid(label) {
		return &Error{Code: ErrText}
	}

	for _, b := range frameBody[labelLen:] {
		if b > 0x7F {
			return &Error{Code: ErrNonASCIIURL}
		}
	}
	return nil
}

// readMention validates a Mention body: a single varint user id filling
// the body exactly.
func readMention(frameBody []byte) (int64, error) {
	user, n := protocol.DecodeUvarint(frameBody)
	if n <= 0 || n != len(frameBody) {
		return 0, &Error{Code: ErrFrameOverflow}
	}
	return int64(user), nil
}
