// Package memory provides an in-process counter store for tests and local
// development. It honors the same atomicity and blocking-pop semantics as
// the Redis store, within a single process.
package memory

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

const queueCapacity = 1024

// Store keeps counters and queues in process memory.
type Store struct {
	mu       sync.Mutex
	counters map[string]int64
	queues   map[string]chan []byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		counters: make(map[string]int64),
		queues:   make(map[string]chan []byte),
	}
}

// Incr increments key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

// Decr decrements key and returns the new value.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("decr %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]--
	return s.counters[key], nil
}

// GetInt reads the integer at key; ok is false when the key is absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[key]
	return v, ok, nil
}

// SetInt overwrites the integer at key.
func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = value
	return nil
}

// PopJob waits up to timeout for the next payload; ok is false on timeout.
// A timeout <= 0 blocks until a payload arrives or the context ends.
func (s *Store) PopJob(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	ch := s.queue(queue)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("pop %s canceled: %w", queue, ctx.Err())
	case <-timer:
		return nil, false, nil
	case payload := <-ch:
		return payload, true, nil
	}
}

// PushJob appends a payload to the named queue.
func (s *Store) PushJob(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	select {
	case s.queue(queue) <- append([]byte(nil), payload...):
		return nil
	default:
		return fmt.Errorf("push %s: queue full", queue)
	}
}

// Keys lists counter keys matching a glob-style pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.counters {
		if ok, err := path.Match(pattern, k); err == nil && ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) queue(name string) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.queues[name]
	if !ok {
		ch = make(chan []byte, queueCapacity)
		s.queues[name] = ch
	}
	return ch
}
