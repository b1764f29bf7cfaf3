package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_color TEXT NOT NULL,
	sender_avatar TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);
`

// SQLiteStore persists messages in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: sqlite path is empty")
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "history: create sqlite directory")
			}
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path, inMemory))
	if err != nil {
		return nil, errors.Wrap(err, "history: open sqlite")
	}

	if inMemory {
		// every new connection to :memory: is a fresh database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "history: ping sqlite")
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "history: create sqlite schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	ts = ts.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (body, sender_id, sender_name, sender_color, sender_avatar, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		body, sender.ID, sender.DisplayName, sender.Color, nullString(sender.AvatarRef), ts)
	if err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}

	return chat.Message{ID: id, Body: body, Sender: sender, CreatedAt: ts}, nil
}

// ReadAllOrdered implements Store.
func (s *SQLiteStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body, sender_id, sender_name, sender_color, sender_avatar, created_at
		 FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, wrapStorage("read", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg    chat.Message
			avatar sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Body, &msg.Sender.ID, &msg.Sender.DisplayName,
			&msg.Sender.Color, &avatar, &msg.CreatedAt); err != nil {
			return nil, wrapStorage("read", err)
		}
		msg.Sender.AvatarRef = avatar.String
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("read", err)
	}
	return messages, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteDSN applies the pragmas through the DSN so that every pooled
// connection carries them, not only the first.
func sqliteDSN(path string, inMemory bool) string {
	if inMemory {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
