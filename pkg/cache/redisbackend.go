package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each key as a Redis string under prefix+key, for the
// multi-host deployment shape where several bosun instances must observe
// the same merged-branch and epic-merge caches rather than each keeping a
// private file (spec §4.6's file-backed scheme is the default; this is the
// enrichment for that case). Entries carry ttl as a hard Redis expiry in
// addition to whatever per-entry TTL the cache layer applies logically,
// so a crashed bosun can't pin memory on a key forever.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client. ttl of 0 disables the hard
// Redis-side expiry, leaving eviction entirely to the logical TTL enforced
// by the cache layer above it.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) fullKey(key string) string {
	return b.prefix + key
}

// Load returns (nil, nil) on a cache miss, matching FileBackend's contract.
func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.fullKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	return data, nil
}

// Save writes data for key, applying the backend's hard expiry if set.
func (b *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, b.fullKey(key), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}
