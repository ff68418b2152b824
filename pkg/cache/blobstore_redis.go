package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlobStore keeps the snapshot in Redis. SessionTTL bounds how long a
// snapshot survives without being rewritten, which gives the durable tier
// session rather than permanent lifetime.
type RedisBlobStore struct {
	redis      *redis.Client
	sessionTTL time.Duration
}

// NewRedisBlobStore creates a blob store backed by redisClient. A
// sessionTTL of zero keeps snapshots until they are deleted.
func NewRedisBlobStore(redisClient *redis.Client, sessionTTL time.Duration) *RedisBlobStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBlobStore{
		redis:      redisClient,
		sessionTTL: sessionTTL,
	}
}

func (s *RedisBlobStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *RedisBlobStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.redis.Set(ctx, key, data, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
