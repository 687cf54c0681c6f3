package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces offline cache keys.
const DefaultRedisKeyPrefix = "entitlementd:offline:"

// RedisBackend stores cache entries as JSON values under a key prefix. It
// lets several edge processes share one cache.
type RedisBackend struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

// NewRedisBackend creates a Redis-backed store. ttl <= 0 keeps entries until
// they are deleted.
func NewRedisBackend(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisBackend{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (b *RedisBackend) key(accountID string) string { return b.keyNS + accountID }

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry)
	iter := b.rdb.Scan(ctx, 0, b.keyNS+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := b.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, b.keyNS)] = e
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan offline cache keys: %w", err)
	}
	return out, nil
}

// Save implements Backend.
func (b *RedisBackend) Save(ctx context.Context, accountID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.key(accountID), raw, b.ttl).Err()
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, accountID string) error {
	return b.rdb.Del(ctx, b.key(accountID)).Err()
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
