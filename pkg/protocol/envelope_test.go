package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		cookie  uint64
		kind    Kind
		flags   Flags
		payload []byte
	}{
		{"connected_empty", serverCookieBit | 1, KindConnected, 0, nil},
		{"send_message", 1, KindSendMessage, FlagResponseRequired, []byte{0x00, 0x04, 0x01, 0x02, 0x02, 'h', 'i'}},
		{"message_received", 1, KindMessageReceived, 0, EncodeMessageReceived(42)},
		{"message_invalid", 2, KindMessageInvalid, 0, EncodeMessageInvalid("bad root frame")},
		{"unknown_event", 3, KindUnknownEvent, 0, nil},
		{"new_message_flags", serverCookieBit | 2, KindNewMessage, FlagMustProcess | FlagResponseRequired, []byte{0x01}},
		{"empty_payload_nonzero_flags", 9, KindSendMessage, FlagMustProcess, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := &Envelope{
				Cookie:  tc.cookie,
				Kind:    tc.kind,
				Flags:   tc.flags,
				Payload: tc.payload,
			}

			data := env.Encode()
			got, err := DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}

			if got.Cookie != tc.cookie {
				t.Errorf("Cookie = %d, want %d", got.Cookie, tc.cookie)
			}
			if got.Kind != tc.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tc.kind)
			}
			if got.Flags != tc.flags {
				t.Errorf("Flags = %04x, want %04x", got.Flags, tc.flags)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Errorf("Payload = % x, want % x", got.Payload, tc.payload)
			}
		})
	}
}

func TestEnvelopeWireLayout(t *testing.T) {
	// Header fields are big-endian, payload length is a varint.
	env := &Envelope{
		Cookie:  0x0102030405060708,
		Kind:    KindSendMessage,
		Flags:   FlagResponseRequired,
		Payload: []byte{0xAA, 0xBB},
	}

	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // cookie
		0x00, 0x02, // kind
		0x00, 0x02, // flags
		0x02,       // payload length
		0xAA, 0xBB, // payload
	}

	if got := env.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = % x, want % x", got, want)
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	env := &Envelope{
		Cookie:  7,
		Kind:    KindSendMessage,
		Payload: []byte{0x01, 0x02, 0x03, 0x04},
	}
	full := env.Encode()

	// Every proper prefix must fail, and fail as a truncation.
	for n := 0; n < len(full); n++ {
		_, err := DecodeEnvelope(full[:n])
		if err == nil {
			t.Fatalf("DecodeEnvelope accepted a %d-byte prefix of a %d-byte envelope", n, len(full))
		}
		if !errors.Is(err, ErrEnvelopeTruncated) {
			t.Errorf("prefix %d: got %v, want ErrEnvelopeTruncated", n, err)
		}
	}
}

func TestDecodeEnvelopeTrailing(t *testing.T) {
	env := NewEnvelope(KindConnected, serverCookieBit|1, nil)
	data := append(env.Encode(), 0x00)

	_, err := DecodeEnvelope(data)
	if !errors.Is(err, ErrEnvelopeTrailing) {
		t.Errorf("got %v, want ErrEnvelopeTrailing", err)
	}
}

func TestDecodeEnvelopeLengthMismatch(t *testing.T) {
	// Declared payload length larger than the bytes that follow.
	e := NewEncoder()
	e.WriteUint64(1)
	e.WriteUint16(uint16(KindSendMessage))
	e.WriteUint16(0)
	e.WriteUvarint(10)
	e.WriteBytes([]byte{0x01, 0x02})

	_, err := DecodeEnvelope(e.Bytes())
	if !errors.Is(err, ErrEnvelopeTruncated) {
		t.Errorf("got %v, want ErrEnvelopeTruncated", err)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindConnected, "Connected"},
		{KindSendMessage, "SendMessage"},
		{KindMessageReceived, "MessageReceived"},
		{KindMessageInvalid, "MessageInvalid"},
		{KindUnknownEvent, "UnknownEvent"},
		{KindNewMessage, "NewMessage"},
		{Kind(0xBEEF), "Unknown"},
	}

	for _, tc := range tests {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("Kind(%#x).String() = %q, want %q", uint16(tc.kind), got, tc.want)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagMustProcess | FlagResponseRequired
	if !f.Has(FlagMustProcess) || !f.Has(FlagResponseRequired) {
		t.Error("combined flags missing a set bit")
	}

	f = FlagMustProcess
	if f.Has(FlagResponseRequired) {
		t.Error("Has reported an unset bit")
	}
	if Flags(0).Has(FlagMustProcess) {
		t.Error("zero flags reported a set bit")
	}
}

func TestMessageReceivedPayload(t *testing.T) {
	for _, id := range []uint64{0, 1, 127, 128, 1 << 40} {
		payload := EncodeMessageReceived(id)
		got, err := DecodeMessageReceived(payload)
		if err != nil {
			t.Fatalf("DecodeMessageReceived(%d): %v", id, err)
		}
		if got != id {
			t.Errorf("round trip = %d, want %d", got, id)
		}
	}

	if _, err := DecodeMessageReceived([]byte{0x01, 0x02}); !errors.Is(err, ErrEnvelopeTrailing) {
		t.Errorf("trailing bytes: got %v, want ErrEnvelopeTrailing", err)
	}
	if _, err := DecodeMessageReceived(nil); err == nil {
		t.Error("DecodeMessageReceived(nil) should fail")
	}
}

func TestMessageInvalidPayload(t *testing.T) {
	// Non-empty diagnostic round trips.
	payload := EncodeMessageInvalid("text frame is not valid UTF-8")
	got, err := DecodeMessageInvalid(payload)
	if err != nil {
		t.Fatalf("DecodeMessageInvalid: %v", err)
	}
	if got != "text frame is not valid UTF-8" {
		t.Errorf("diagnostic = %q", got)
	}

	// The diagnostic is optional: empty string encodes to no payload.
	if p := EncodeMessageInvalid(""); p != nil {
		t.Errorf("EncodeMessageInvalid(\"\") = % x, want nil", p)
	}
	got, err = DecodeMessageInvalid(nil)
	if err != nil || got != "" {
		t.Errorf("DecodeMessageInvalid(nil) = %q, %v; want \"\", nil", got, err)
	}
}

func TestNewMessagePayload(t *testing.T) {
	in := &NewMessagePayload{
		ID:        42,
		Timestamp: 1735689600000,
		User:      7,
		Body:      []byte{0x00, 0x04, 0x01, 0x02, 0x02, 'h', 'i'},
	}

	payload := EncodeNewMessage(in)
	got, err := DecodeNewMessage(payload)
	if err != nil {
		t.Fatalf("DecodeNewMessage: %v", err)
	}

	if got.ID != in.ID || got.Timestamp != in.Timestamp || got.User != in.User {
		t.Errorf("header = {%d %d %d}, want {%d %d %d}",
			got.ID, got.Timestamp, got.User, in.ID, in.Timestamp, in.User)
	}
	if !bytes.Equal(got.Body, in.Body) {
		t.Errorf("Body = % x, want % x", got.Body, in.Body)
	}

	// Body runs to the end of the payload, so an empty body is fine.
	empty := EncodeNewMessage(&NewMessagePayload{ID: 1, Timestamp: 2, User: 3})
	got, err = DecodeNewMessage(empty)
	if err != nil {
		t.Fatalf("DecodeNewMessage(empty body): %v", err)
	}
	if len(got.Body) != 0 {
		t.Errorf("Body = % x, want empty", got.Body)
	}

	if _, err := DecodeNewMessage([]byte{0x01}); err == nil {
		t.Error("DecodeNewMessage accepted a truncated payload")
	}
}

func BenchmarkEnvelopeEncode(b *testing.B) {
	env := &Envelope{
		Cookie:  serverCookieBit | 12345,
		Kind:    KindNewMessage,
		Flags:   0,
		Payload: bytes.Repeat([]byte{0xCD}, 128),
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		env.Encode()
	}
}

func BenchmarkEnvelopeDecode(b *testing.B) {
	env := &Envelope{
		Cookie:  12345,
		Kind:    KindSendMessage,
		Payload: bytes.Repeat([]byte{0xCD}, 128),
	}
	data := env.Encode()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeEnvelope(data); err != nil {
			b.Fatal(err)
		}
	}
}
