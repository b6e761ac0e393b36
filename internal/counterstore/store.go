// Package counterstore defines the narrow interface to the shared counter
// store that coordinates independent worker processes. The three per-source
// records (stats, limit, active slots) and the job queue all live behind it.
//
// Every mutation is a single atomic operation; the store offers no multi-key
// transactions, so compound invariants built on top of it (such as the
// admission controller's active <= limit) are best-effort only.
package counterstore

import (
	"context"
	"time"
)

// Store is the contract the core requires from the external key-value store.
// Implementations must provide cross-process atomicity for the counter
// operations.
type Store interface {
	// Incr atomically increments the integer at key, creating it at 0 first
	// if absent, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the integer at key and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// GetInt reads the integer at key. ok is false when the key is absent.
	GetInt(ctx context.Context, key string) (value int64, ok bool, err error)

	// SetInt overwrites the integer at key.
	SetInt(ctx context.Context, key string, value int64) error

	// PopJob blocks up to timeout for the next payload on the named list.
	// ok is false when the wait timed out with nothing to deliver.
	PopJob(ctx context.Context, queue string, timeout time.Duration) (payload []byte, ok bool, err error)

	// PushJob appends a payload to the named list. Used by producers and by
	// the dead-letter path.
	PushJob(ctx context.Context, queue string, payload []byte) error

	// Keys lists keys matching a glob-style pattern. Used only by the
	// eventually-consistent statistics snapshot.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}
