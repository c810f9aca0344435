package store

import (
	"context"
	"errors"
	"time"

	"github.com/golang/snappy"
)

// Store errors.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrNoConversation is returned when the referenced conversation
	// does not exist.
	ErrNoConversation = errors.New("store: conversation not found")
)

// Message is one persisted conversation event.
type Message struct {
	ID           int64
	Conversation int64
	User         int64
	SentAt       time.Time
	Body         []byte // validated frame grammar bytes, uncompressed
}

// MessageStore is the persistence collaborator for conversations.
// Implementations must be safe for concurrent use.
type MessageStore interface {
	// AppendMessage persists one validated message body and returns
	// the assigned event id and timestamp. The caller keeps ownership
	// of body; implementations must not retain it.
	AppendMessage(ctx context.Context, conversation, user int64, body []byte) (int64, time.Time, error)

	// IsMember reports whether user belongs to conversation. A missing
	// conversation reads as not-a-member, not an error.
	IsMember(ctx context.Context, conversation, user int64) (bool, error)

	// CreateConversation registers a new conversation and returns its id.
	CreateConversation(ctx context.Context, name string) (int64, error)

	// AddMember adds user to the conversation's member set. Adding an
	// existing member is a no-op.
	AddMember(ctx context.Context, conversation, user int64) error

	// Messages returns up to limit of the most recent events in a
	// conversation, oldest first. limit <= 0 means no limit.
	Messages(ctx context.Context, conversation int64, limit int) ([]Message, error)

	// Close releases any resources held by the store.
	Close() error
}

// now returns the timestamp assigned to a new event. Millisecond
// precision matches what the wire protocol can carry.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// encodeBody compresses a message body for storage.
func encodeBody(body []byte) []byte {
	return snappy.Encode(nil, body)
}

// decodeBody decompresses a stored message body.
func decodeBody(stored []byte) ([]byte, error) {
	return snappy.Decode(nil, stored)
}
