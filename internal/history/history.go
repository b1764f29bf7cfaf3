// Package history provides the durable, append-only message log the
// gateway persists to before it broadcasts, and replays from on join.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/chat"
)

// ErrStorage marks every persistence failure surfaced by a Store.
var ErrStorage = errors.New("storage error")

// Store is an append-only log of chat messages.
//
// Append assigns the message ID. IDs increase with append order, and
// ReadAllOrdered returns messages ascending by timestamp with ties broken by
// ID. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error)
	ReadAllOrdered(ctx context.Context) ([]chat.Message, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Open connects to the named backend. The DSN format depends on the backend:
// a file path for sqlite, a connection URL for the others, ignored for memory.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, dsn)
	case BackendPostgres, "postgresql":
		return OpenPostgres(ctx, dsn)
	case BackendRedis:
		return OpenRedis(ctx, dsn)
	case BackendMongo, "mongodb":
		return OpenMongo(ctx, dsn)
	default:
		return nil, errors.Errorf("history: unknown backend %q", backend)
	}
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("history: %s: %v", e.op, e.err)
}

func (e *storageError) Is(target error) bool { return target == ErrStorage }

func (e *storageError) Unwrap() error { return e.err }

func (e *storageError) Cause() error { return e.err }

// wrapStorage tags err as an ErrStorage for operation op. A nil err stays nil.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&storageError{op: op, err: err})
}
