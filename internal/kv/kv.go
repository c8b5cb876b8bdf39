// Package kv defines the process-wide key-value store used for the nonce
// cache and telemetry counters. The only replay-safe primitive exposed is
// SetNX-with-TTL; callers must never pair a read with a later write.
package kv

import (
	"context"
	"time"
)

// Store is the KV contract. Implementations must make SetNX atomic:
// exactly one of N concurrent calls with the same key may return true.
type Store interface {
	// SetNX stores value under key with a TTL iff the key is absent.
	// Returns true when this call created the entry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally stores value under key. ttl of zero means no
	// expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Incr atomically increments an integer counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, key, member string) error

	// SCard returns the cardinality of a set.
	SCard(ctx context.Context, key string) (int64, error)

	// DeleteByPrefix removes all keys with the given prefix and returns
	// how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
