// Package redis implements the shared counter store on a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config captures the Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store talks to Redis. INCR/DECR/GET/SET carry the per-source counters,
// BLPOP/LPUSH carry the job queue.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &Store{client: client}, nil
}

// Incr atomically increments key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Decr atomically decrements key and returns the new value.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("decr %s: %w", key, err)
	}
	return n, nil
}

// GetInt reads the integer at key; ok is false when the key is absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return n, true, nil
}

// SetInt overwrites the integer at key.
func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// PopJob blocks up to timeout on the named list. ok is false on timeout.
func (s *Store) PopJob(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	vals, err := s.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blpop %s: %w", queue, err)
	}
	// BLPOP returns [key, value].
	if len(vals) != 2 {
		return nil, false, fmt.Errorf("blpop %s: unexpected reply length %d", queue, len(vals))
	}
	return []byte(vals[1]), true, nil
}

// PushJob appends a payload to the named list. RPUSH paired with BLPOP keeps
// the queue FIFO.
func (s *Store) PushJob(ctx context.Context, queue string, payload []byte) error {
	if err := s.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Keys lists keys matching a glob-style pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
