package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed message store, suitable for small
// single-node deployments.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStore opens (creating if needed) a SQLite message store at
// dbPath. Pass ":memory:" for a throwaway in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/parley.db"
	}

	memory := strings.Contains(dbPath, ":memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// Each pooled connection gets its own in-memory database, so the
	// schema would vanish between queries; pin the pool to one.
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id INTEGER NOT NULL REFERENCES conversations(id),
		user_id INTEGER NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id),
		user_id INTEGER NOT NULL,
		sent_at INTEGER NOT NULL,
		body BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// AppendMessage persists a message body and assigns it an id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversation, user int64, body []byte) (int64, time.Time, error) {
	if s.closed.Load() {
		return 0, time.Time{}, ErrClosed
	}

	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, user_id, sent_at, body)
		VALUES (?, ?, ?, ?)
	`, conversation, user, ts.UnixMilli(), encodeBody(body))
	if err != nil {
		return 0, time.Time{}, mapSQLiteErr(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, err
	}
	return id, ts, nil
}

// IsMember reports whether user belongs to conversation.
func (s *SQLiteStore) IsMember(ctx context.Context, conversation, user int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
	`, conversation, user).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateConversation registers a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, name string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (name, created_at) VALUES (?, ?)
	`, name, now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddMember adds user to the conversation's member set.
func (s *SQLiteStore) AddMember(ctx context.Context, conversation, user int64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`, conversation, user, now().UnixMilli())
	return mapSQLiteErr(err)
}

// Messages returns up to limit of the most recent events, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, conversation int64, limit int) ([]Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `
		SELECT id, user_id, sent_at, body FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
	`
	args := []any{conversation}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg    Message
			sentMs int64
			stored []byte
		)
		if err := rows.Scan(&msg.ID, &msg.User, &sentMs, &stored); err != nil {
			return nil, err
		}
		body, err := decodeBody(stored)
		if err != nil {
			return nil, err
		}
		msg.Conversation = conversation
		msg.SentAt = time.UnixMilli(sentMs).UTC()
		msg.Body = body
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first for the LIMIT; flip to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close shuts down the store and the underlying database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// mapSQLiteErr converts driver constraint failures into store errors.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return ErrNoConversation
	}
	return err
}
