// Package sequence assigns gap-free monotonic sequence numbers to
// session events.
package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juparopi2/agentcore/internal/counter"
)

// Counter mints per-session sequence numbers from the shared counter
// store. Numbers start at 0 for the first event of a session and are
// strictly increasing with no repeats under arbitrary concurrency: the
// store's increment-and-read is a single atomic operation.
//
// A store failure is a hard error. Ordering correctness cannot be faked,
// so there is no degraded mode here; callers decide how to react.
type Counter struct {
	store  counter.Store
	logger *slog.Logger
}

// New returns a sequence counter backed by the given store.
func New(store counter.Store, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		store:  store,
		logger: logger.With("component", "sequence"),
	}
}

// Next returns the next sequence number for a session. The counter is
// created lazily on first use and never expires; it may outlive every
// individual event so replays after retention cannot reuse numbers.
func (c *Counter) Next(ctx context.Context, sessionID string) (int64, error) {
	value, err := c.store.Increment(ctx, counter.SequenceKey(sessionID))
	if err != nil {
		c.logger.Error("sequence increment failed", "session_id", sessionID, "error", err)
		return 0, fmt.Errorf("next sequence for session %s: %w", sessionID, err)
	}
	// The stored counter is the count of numbers minted so far; sequence
	// numbers are zero-based.
	return value - 1, nil
}

// Assigned returns how many sequence numbers have been minted for a
// session. Read-only; never increments.
func (c *Counter) Assigned(ctx context.Context, sessionID string) (int64, error) {
	value, ok, err := c.store.Get(ctx, counter.SequenceKey(sessionID))
	if err != nil {
		return 0, fmt.Errorf("read sequence for session %s: %w", sessionID, err)
	}
	if !ok {
		return 0, nil
	}
	return value, nil
}
