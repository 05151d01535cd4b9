package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces profile cache entries.
const DefaultKeyPrefix = "stockroom:kv:"

// KeyValueStore backs the local profile cache with Redis strings.
type KeyValueStore struct {
	client redis.UniversalClient
	prefix string
}

// NewKeyValueStore creates a KeyValueStore. An empty prefix uses DefaultKeyPrefix.
func NewKeyValueStore(client redis.UniversalClient, prefix string) *KeyValueStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeyValueStore{client: client, prefix: prefix}
}

// Set stores value under key. A non-positive ttl keeps the entry until deleted.
func (s *KeyValueStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the stored bytes, or nil when the key is absent.
func (s *KeyValueStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	result, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return result, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KeyValueStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (s *KeyValueStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key cannot be empty")
	}

	result, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return result > 0, nil
}

// Health checks the health of the Redis connection.
func (s *KeyValueStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
