package protocol

import (
	"errors"
	"io"
)

// EnvelopeHeaderSize is the size of the fixed part of the envelope
// header in bytes (cookie + kind + flags). The varint payload length
// follows.
const EnvelopeHeaderSize = 12

// Kind identifies the operation an envelope carries.
type Kind uint16

const (
	KindConnected       Kind = 0x01 // Server → client, once after a join
	KindSendMessage     Kind = 0x02 // Client → server, payload is a message body
	KindMessageReceived Kind = 0x03 // Server → client ack with the stored event id
	KindMessageInvalid  Kind = 0x04 // Server → client validation failure report
	KindUnknownEvent    Kind = 0x05 // Either direction: kind not understood
	KindNewMessage      Kind = 0x06 // Server → client broadcast of a stored event
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "Connected"
	case KindSendMessage:
		return "SendMessage"
	case KindMessageReceived:
		return "MessageReceived"
	case KindMessageInvalid:
		return "MessageInvalid"
	case KindUnknownEvent:
		return "UnknownEvent"
	case KindNewMessage:
		return "NewMessage"
	default:
		return "Unknown"
	}
}

// Flags are option bits on an envelope.
type Flags uint16

const (
	// FlagMustProcess demands the receiver understand the kind or
	// abort the connection.
	FlagMustProcess Flags = 0x0001

	// FlagResponseRequired demands the sender consume no further
	// inbound envelopes until the correlated reply has been emitted.
	FlagResponseRequired Flags = 0x0002
)

// Has returns true if the flags contain flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// WebSocket close codes for the fatal protocol error classes.
// 4000-4999 is the RFC 6455 private-use range.
const (
	CloseNotMember       = 4001 // Connecting user is not a conversation member
	CloseProtocolError   = 4002 // Envelope could not be parsed
	CloseUnsupportedKind = 4003 // MUST_PROCESS envelope with an unsupported kind
)

// Envelope errors.
var (
	ErrEnvelopeTruncated = errors.New("protocol: envelope truncated")
	ErrEnvelopeTrailing  = errors.New("protocol: trailing bytes after envelope")
)

// Envelope is the outer unit exchanged over the transport.
//
// Wire format:
//
//	┌──────────────┬──────────────┬──────────────┬────────────────────┐
//	│ Cookie       │ Kind         │ Flags        │ Payload Length     │
//	│ (8 bytes BE) │ (2 bytes BE) │ (2 bytes BE) │ (varint)           │
//	└──────────────┴──────────────┴──────────────┴────────────────────┘
//	│  Payload (variable length)                                       │
//	└──────────────────────────────────────────────────────────────────┘
type Envelope struct {
	Cookie  uint64
	Kind    Kind
	Flags   Flags
	Payload []byte
}

// NewEnvelope creates an envelope with no flags set.
func NewEnvelope(kind Kind, cookie uint64, payload []byte) *Envelope {
	return &Envelope{
		Cookie:  cookie,
		Kind:    kind,
		Payload: payload,
	}
}

// Encode encodes the envelope to bytes including the header.
func (env *Envelope) Encode() []byte {
	e := NewEncoderWithCap(EnvelopeHeaderSize + MaxVarintLen + len(env.Payload))
	env.EncodeTo(e)
	return e.Bytes()
}

// EncodeTo encodes the envelope using the provided encoder.
func (env *Envelope) EncodeTo(e *Encoder) {
	e.WriteUint64(env.Cookie)
	e.WriteUint16(uint16(env.Kind))
	e.WriteUint16(uint16(env.Flags))
	e.WriteLenBytes(env.Payload)
}

// DecodeEnvelope decodes exactly one envelope from data. A short
// buffer, a payload length not matching the available bytes, or bytes
// left over after the payload all fail: one transport message carries
// exactly one envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	d := NewDecoder(data)

	cookie, err := d.ReadUint64()
	if err != nil {
		return nil, ErrEnvelopeTruncated
	}
	kind, err := d.ReadUint16()
	if err != nil {
		return nil, ErrEnvelopeTruncated
	}
	flags, err := d.ReadUint16()
	if err != nil {
		return nil, ErrEnvelopeTruncated
	}
	payload, err := d.ReadLenBytes()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEnvelopeTruncated
		}
		return nil, err
	}
	if !d.EOF() {
		return nil, ErrEnvelopeTrailing
	}

	return &Envelope{
		Cookie:  cookie,
		Kind:    Kind(kind),
		Flags:   Flags(flags),
		Payload: payload,
	}, nil
}

// =============================================================================
// Kind payloads
// =============================================================================

// EncodeMessageReceived encodes a MessageReceived payload carrying the
// stored event id.
func EncodeMessageReceived(id uint64) []byte {
	return AppendUvarint(nil, id)
}

// DecodeMessageReceived decodes a MessageReceived payload.
func DecodeMessageReceived(payload []byte) (uint64, error) {
	d := NewDecoder(payload)
	id, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if !d.EOF() {
		return 0, ErrEnvelopeTrailing
	}
	return id, nil
}

// EncodeMessageInvalid encodes a MessageInvalid payload. The diagnostic
// is optional; an empty string encodes to an empty payload.
func EncodeMessageInvalid(reason string) []byte {
	if reason == "" {
		return nil
	}
	e := NewEncoderWithCap(MaxVarintLen + len(reason))
	e.WriteString(reason)
	return e.Bytes()
}

// DecodeMessageInvalid decodes a MessageInvalid payload. An empty
// payload yields an empty diagnostic.
func DecodeMessageInvalid(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	d := NewDecoder(payload)
	reason, err := d.ReadString()
	if err != nil {
		return "", err
	}
	if !d.EOF() {
		return "", ErrEnvelopeTrailing
	}
	return reason, nil
}

// NewMessagePayload is the decoded payload of a KindNewMessage
// envelope: a stored conversation event pushed to a listener.
type NewMessagePayload struct {
	ID        uint64 // Event id assigned by the message store
	Timestamp uint64 // Unix milliseconds
	User      uint64 // Author
	Body      []byte // Validated message body (frame grammar bytes)
}

// EncodeNewMessage encodes a NewMessage payload. The body runs to the
// end of the payload and is not length-prefixed.
func EncodeNewMessage(p *NewMessagePayload) []byte {
	e := NewEncoderWithCap(3*MaxVarintLen + len(p.Body))
	e.WriteUvarint(p.ID)
	e.WriteUvarint(p.Timestamp)
	e.WriteUvarint(p.User)
	e.WriteBytes(p.Body)
	return e.Bytes()
}

// DecodeNewMessage decodes a NewMessage payload.
func DecodeNewMessage(payload []byte) (*NewMessagePayload, error) {
	d := NewDecoder(payload)
	id, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	ts, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	user, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	body, err := d.ReadBytes(d.Remaining())
	if err != nil {
		return nil, err
	}
	return &NewMessagePayload{
		ID:        id,
		Timestamp: ts,
		User:      user,
		Body:      body,
	}, nil
}
