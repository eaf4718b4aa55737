package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper filters repeated deliveries of the same inbound event. Telegram
// delivery is at-least-once; a duplicate photo update must never reach the
// paid pipeline twice.
type Deduper interface {
	// FirstSeen marks the key and reports whether this was its first delivery.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// RedisDeduper implements Deduper with SETNX + TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a redis-backed deduper.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) (*RedisDeduper, error) {
	if client == nil {
		return nil, errors.New("dedup redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "defectmaster:seen"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}, nil
}

// FirstSeen returns true exactly once per key within the TTL window.
// On redis failure it errs on the side of processing: dropping a real
// submission is worse than rechecking a duplicate, and the balance guard
// still prevents double charging.
func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("dedup key required")
	}
	ok, err := d.client.SetNX(ctx, fmt.Sprintf("%s:%s", d.prefix, key), 1, d.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}
