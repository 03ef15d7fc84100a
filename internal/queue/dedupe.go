package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers handled events so redeliveries can be skipped early.
// It is an optimisation only; the dispatcher is idempotent on its own.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// RedisDeduper stores handled keys in Redis with a TTL
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed Deduper
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{
		client: client,
		prefix: "titleforge:event:",
		ttl:    ttl,
	}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	return d.client.Set(ctx, d.prefix+key, 1, d.ttl).Err()
}

// NoopDeduper never reports a key as seen
type NoopDeduper struct{}

func (NoopDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopDeduper) Mark(context.Context, string) error         { return nil }
