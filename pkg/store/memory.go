package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory message store. It is the default for
// tests and single-process development; nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*memConversation
	nextConv      int64
	nextEvent     int64
	closed        bool
}

type memConversation struct {
	name     string
	members  map[int64]struct{}
	messages []Message
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*memConversation),
	}
}

// AppendMessage persists a message body and assigns it an id.
func (m *MemoryStore) AppendMessage(ctx context.Context, conversation, user int64, body []byte) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, time.Time{}, ErrClosed
	}
	conv, ok := m.conversations[conversation]
	if !ok {
		return 0, time.Time{}, ErrNoConversation
	}

	m.nextEvent++
	ts := now()

	// Copy the body so callers can reuse their buffer.
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	conv.messages = append(conv.messages, Message{
		ID:           m.nextEvent,
		Conversation: conversation,
		User:         user,
		SentAt:       ts,
		Body:         bodyCopy,
	})
	return m.nextEvent, ts, nil
}

// IsMember reports whether user belongs to conversation.
func (m *MemoryStore) IsMember(ctx context.Context, conversation, user int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrClosed
	}
	conv, ok := m.conversations[conversation]
	if !ok {
		return false, nil
	}
	_, member := conv.members[user]
	return member, nil
}

// CreateConversation registers a new conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	m.nextConv++
	m.conversations[m.nextConv] = &memConversation{
		name:    name,
		members: make(map[int64]struct{}),
	}
	return m.nextConv, nil
}

// AddMember adds user to the conversation's member set.
func (m *MemoryStore) AddMember(ctx context.Context, conversation, user int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	conv, ok := m.conversations[conversation]
	if !ok {
		return ErrNoConversation
	}
	conv.members[user] = struct{}{}
	return nil
}

// Messages returns up to limit of the most recent events, oldest first.
func (m *MemoryStore) Messages(ctx context.Context, conversation int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	conv, ok := m.conversations[conversation]
	if !ok {
		return nil, ErrNoConversation
	}

	msgs := conv.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Count returns the number of stored messages in a conversation.
// This is for monitoring/testing purposes.
func (m *MemoryStore) Count(conversation int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversation]
	if !ok {
		return 0
	}
	return len(conv.messages)
}

// Close shuts down the store and releases resources.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.conversations = nil
	return nil
}
