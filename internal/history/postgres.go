package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/chat"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	body TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_color TEXT NOT NULL,
	sender_avatar TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);
`

// appendLockKey is the advisory lock serialising appends across gateway
// processes sharing one database, so ID order equals commit order.
const appendLockKey int64 = 0x7265736f6e

// PostgresStore persists messages in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("history: postgres url is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "history: connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "history: ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "history: create postgres schema")
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	// timestamptz has microsecond precision
	ts = ts.UTC().Truncate(time.Microsecond)
	msg := chat.Message{Body: body, Sender: sender, CreatedAt: ts}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO messages (body, sender_id, sender_name, sender_color, sender_avatar, created_at)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id`,
			body, sender.ID, sender.DisplayName, sender.Color, sender.AvatarRef, ts,
		).Scan(&msg.ID)
	})
	if err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}
	return msg, nil
}

// ReadAllOrdered implements Store.
func (s *PostgresStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, body, sender_id, sender_name, sender_color, COALESCE(sender_avatar, ''), created_at
		 FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, wrapStorage("read", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		var msg chat.Message
		if err := rows.Scan(&msg.ID, &msg.Body, &msg.Sender.ID, &msg.Sender.DisplayName,
			&msg.Sender.Color, &msg.Sender.AvatarRef, &msg.CreatedAt); err != nil {
			return nil, wrapStorage("read", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("read", err)
	}
	return messages, nil
}

// Reset deletes every message and restarts the ID sequence.
func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE messages RESTART IDENTITY")
	return wrapStorage("reset", err)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
