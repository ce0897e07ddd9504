package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackendConfig contains Redis connection settings
type RedisBackendConfig struct {
	// Addr is the host:port of the Redis server
	Addr string

	// Password for AUTH, empty for none
	Password string

	// DB is the database number
	DB int
}

// RedisBackend implements the Backend interface on Redis. Key TTLs use
// native expiry, sets use SADD/SREM, audit lists use RPUSH.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Redis-backed store backend
func NewRedisBackend(cfg RedisBackendConfig) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Initialize verifies the connection
func (b *RedisBackend) Initialize() error {
	if err := b.client.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close cleans up resources
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Get retrieves the value for a key
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores a value with a TTL
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// SetAdd adds a member to the set at key
func (b *RedisBackend) SetAdd(ctx context.Context, key string, member string) error {
	if err := b.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes a member from the set at key
func (b *RedisBackend) SetRemove(ctx context.Context, key string, member string) error {
	if err := b.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of the set at key
func (b *RedisBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

// ListAppend appends a value to the list at key and refreshes its TTL
func (b *RedisBackend) ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	if ttl > 0 {
		if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return nil
}

// ListRange returns all values of the list at key in insertion order
func (b *RedisBackend) ListRange(ctx context.Context, key string) ([][]byte, error) {
	values, err := b.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}

	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}
