package history

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/resonance/internal/chat"
)

// MemoryStore keeps the log in process memory. It is used for tests and for
// running the gateway without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []chat.Message
	nextID   int64
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chat.Message{}, wrapStorage("append", errClosed)
	}

	msg := chat.Message{
		ID:        s.nextID,
		Body:      body,
		Sender:    sender,
		CreatedAt: ts.UTC(),
	}
	s.nextID++
	s.messages = append(s.messages, msg)
	return msg, nil
}

// ReadAllOrdered implements Store.
func (s *MemoryStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapStorage("read", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapStorage("read", errClosed)
	}

	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	sortMessages(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
