// Package counter provides the durable atomic counter store backing
// per-session sequence numbers and rate-limit windows.
//
// All mutation goes through single atomic increment primitives; callers
// never read-modify-write counter values at the application level.
package counter

import (
	"context"
	"time"
)

// Key namespaces. Sequence keys never expire; rate-limit keys carry a
// window TTL set by the limiter on the first increment of a window.
const (
	keyPrefix          = "agentcore"
	sequenceNamespace  = "sequence"
	ratelimitNamespace = "ratelimit"
)

// SequenceKey returns the counter key holding the event sequence counter
// for a session.
func SequenceKey(sessionID string) string {
	return keyPrefix + ":" + sequenceNamespace + ":" + sessionID
}

// RateLimitKey returns the counter key holding the rate-limit window
// counter for a session.
func RateLimitKey(sessionID string) string {
	return keyPrefix + ":" + ratelimitNamespace + ":" + sessionID
}

// Store is a durable key/counter store with atomic increments and
// optional per-key expiry.
type Store interface {
	// Increment atomically increments the counter at key by one and
	// returns the post-increment value. A missing or expired key counts
	// from zero, so the first increment returns 1.
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live for an existing key. Expired keys
	// behave as absent for both Increment and Get.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the current value of a key without modifying it.
	// The second return is false when the key is absent or expired.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Close releases any underlying resources.
	Close() error
}
