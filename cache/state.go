package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// StateStore holds short-lived values that must be read at most once.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take returns and deletes the value in one step. A second Take for the
	// same key returns ErrMiss.
	Take(ctx context.Context, key string) ([]byte, error)
}

// RedisStateStore implements StateStore with SET EX and GETDEL.
type RedisStateStore struct {
	client redis.UniversalClient
}

// NewRedisStateStore creates a RedisStateStore.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state store: set: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("state store: getdel: %w", err)
	}
	return val, nil
}
