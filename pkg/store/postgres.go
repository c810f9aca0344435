package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgForeignKeyViolation is the PostgreSQL error code raised when an
// insert references a missing conversation.
const pgForeignKeyViolation = "23503"

// PostgresStore is a PostgreSQL-backed message store using a pgx
// connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// NewPostgresStore connects to databaseURL and prepares the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		name TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		user_id BIGINT NOT NULL,
		joined_at BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id),
		user_id BIGINT NOT NULL,
		sent_at BIGINT NOT NULL,
		body BYTEA NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// AppendMessage persists a message body and assigns it an id.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversation, user int64, body []byte) (int64, time.Time, error) {
	if s.closed.Load() {
		return 0, time.Time{}, ErrClosed
	}

	ts := now()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, user_id, sent_at, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, conversation, user, ts.UnixMilli(), encodeBody(body)).Scan(&id)
	if err != nil {
		return 0, time.Time{}, mapPostgresErr(err)
	}
	return id, ts, nil
}

// IsMember reports whether user belongs to conversation.
func (s *PostgresStore) IsMember(ctx context.Context, conversation, user int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var member bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversation, user).Scan(&member)
	if err != nil {
		return false, err
	}
	return member, nil
}

// CreateConversation registers a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, name string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (name, created_at) VALUES ($1, $2)
		RETURNING id
	`, name, now().UnixMilli()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddMember adds user to the conversation's member set.
func (s *PostgresStore) AddMember(ctx context.Context, conversation, user int64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversation, user, now().UnixMilli())
	return mapPostgresErr(err)
}

// Messages returns up to limit of the most recent events, oldest first.
func (s *PostgresStore) Messages(ctx context.Context, conversation int64, limit int) ([]Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `
		SELECT id, user_id, sent_at, body FROM messages
		WHERE conversation_id = $1
		ORDER BY id DESC
	`
	args := []any{conversation}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close shuts down the store and the connection pool.
func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

// mapPostgresErr converts driver constraint failures into store errors.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrNoConversation
	}
	return err
}
