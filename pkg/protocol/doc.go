// Package protocol implements the binary wire protocol for Parley
// conversations.
//
// The protocol exchanges envelopes over a WebSocket connection. Each
// envelope pairs a correlation cookie with an operation kind, option
// flags, and an opaque payload:
//
//	┌──────────────┬──────────────┬──────────────┬────────────────────┐
//	│ Cookie       │ Kind         │ Flags        │ Payload Length     │
//	│ (8 bytes BE) │ (2 bytes BE) │ (2 bytes BE) │ (varint)           │
//	└──────────────┴──────────────┴──────────────┴────────────────────┘
//	│                                                                  │
//	│  Payload (variable length)                                       │
//	│                                                                  │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Kinds
//
//   - KindConnected (0x01): server → client, sent once after a join
//   - KindSendMessage (0x02): client → server, payload is a message body
//   - KindMessageReceived (0x03): server → client ack with the event id
//   - KindMessageInvalid (0x04): server → client validation failure
//   - KindUnknownEvent (0x05): either direction, "kind not understood"
//   - KindNewMessage (0x06): server → client broadcast of a stored event
//
// # Cookies
//
// Cookies correlate a request envelope with its reply. The top bit
// records which side issued the cookie (0 client, 1 server) so the two
// sides can never collide on one connection; the low 63 bits increment
// monotonically per origin. A reply always carries the cookie of the
// request it answers.
//
// # Flags
//
//   - FlagMustProcess: the receiver must understand the kind or abort
//     the connection
//   - FlagResponseRequired: the sender will not consume further inbound
//     envelopes until the correlated reply has been emitted
//
// # Encoding
//
// Variable-length integers use unsigned LEB128 (7 data bits per byte,
// MSB continuation). Fixed-width integers are big-endian. Strings and
// byte blobs inside payloads are varint length-prefixed.
//
// # File Structure
//
//   - varint.go: LEB128 encoding/decoding
//   - encoder.go: binary encoder
//   - decoder.go: binary decoder with allocation limits
//   - envelope.go: envelope framing, kinds, flags, payload codecs
//   - cookie.go: origin-tagged correlation id generator
package protocol
