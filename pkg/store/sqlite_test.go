package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	testStoreBasics(t, newTestSQLiteStore(t))
}

func TestSQLiteStoreForeignKeys(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// The schema's foreign keys surface as ErrNoConversation.
	if err := s.AddMember(ctx, 999, 1); !errors.Is(err, ErrNoConversation) {
		t.Errorf("AddMember(missing) = %v, want ErrNoConversation", err)
	}
	if _, _, err := s.AppendMessage(ctx, 999, 1, []byte("x")); !errors.Is(err, ErrNoConversation) {
		t.Errorf("AppendMessage(missing) = %v, want ErrNoConversation", err)
	}
}

func TestSQLiteStoreCompressedAtRest(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "compressed")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	body := bytes.Repeat([]byte("abcdefgh"), 512)
	if _, _, err := s.AppendMessage(ctx, conv, 1, body); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	// The raw column should hold fewer bytes than the body; readback
	// must still return the original.
	var storedLen int
	err = s.db.QueryRowContext(ctx, `SELECT length(body) FROM messages LIMIT 1`).Scan(&storedLen)
	if err != nil {
		t.Fatalf("query stored length: %v", err)
	}
	if storedLen >= len(body) {
		t.Errorf("stored %d bytes for a %d-byte compressible body", storedLen, len(body))
	}

	msgs, err := s.Messages(ctx, conv, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if !bytes.Equal(msgs[0].Body, body) {
		t.Error("readback body differs from the original")
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := s.CreateConversation(ctx, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateConversation after Close = %v, want ErrClosed", err)
	}
}
