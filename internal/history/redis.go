package history

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/resonance/internal/chat"
)

const (
	redisSeqKey    = "resonance:messages:seq"
	redisStreamKey = "resonance:messages"
)

// appendScript allocates the next ID and appends the stream entry in one
// atomic step, so stream order always matches ID order.
var appendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], id .. '-0',
	'body', ARGV[1],
	'sender_id', ARGV[2],
	'sender_name', ARGV[3],
	'sender_color', ARGV[4],
	'sender_avatar', ARGV[5],
	'ts', ARGV[6])
return id
`)

// RedisStore persists messages in a Redis stream whose entry IDs are the
// message IDs.
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis connects using a redis:// URL and checks the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("history: redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "history: parse redis url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "history: ping redis")
	}
	return &RedisStore{rdb: rdb}, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	ts = ts.UTC()
	id, err := appendScript.Run(ctx, s.rdb,
		[]string{redisSeqKey, redisStreamKey},
		body, sender.ID, sender.DisplayName, sender.Color, sender.AvatarRef, ts.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}
	return chat.Message{ID: id, Body: body, Sender: sender, CreatedAt: ts}, nil
}

// ReadAllOrdered implements Store.
func (s *RedisStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	entries, err := s.rdb.XRange(ctx, redisStreamKey, "-", "+").Result()
	if err != nil {
		return nil, wrapStorage("read", err)
	}

	messages := make([]chat.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeStreamEntry(entry)
		if err != nil {
			return nil, wrapStorage("read", err)
		}
		messages = append(messages, msg)
	}
	sortMessages(messages)
	return messages, nil
}

// Reset deletes the stream and its ID counter.
func (s *RedisStore) Reset(ctx context.Context) error {
	return wrapStorage("reset", s.rdb.Del(ctx, redisStreamKey, redisSeqKey).Err())
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeStreamEntry(entry redis.XMessage) (chat.Message, error) {
	var msg chat.Message

	seq, _, ok := strings.Cut(entry.ID, "-")
	if !ok {
		return msg, errors.Errorf("malformed stream id %q", entry.ID)
	}
	id, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return msg, errors.Wrapf(err, "stream id %q", entry.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, field(entry.Values, "ts"))
	if err != nil {
		return msg, errors.Wrapf(err, "stream entry %q timestamp", entry.ID)
	}

	msg.ID = id
	msg.Body = field(entry.Values, "body")
	msg.Sender = chat.Identity{
		ID:          field(entry.Values, "sender_id"),
		DisplayName: field(entry.Values, "sender_name"),
		Color:       field(entry.Values, "sender_color"),
		AvatarRef:   field(entry.Values, "sender_avatar"),
	}
	msg.CreatedAt = ts.UTC()
	return msg, nil
}

func field(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
