// Package ratelimit gates how many jobs a session may enqueue per
// rolling hour.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/juparopi2/agentcore/internal/counter"
	"github.com/juparopi2/agentcore/internal/observability"
)

// Config configures rate limiting behavior.
type Config struct {
	// Limit is the number of admissions allowed per window.
	Limit int64 `yaml:"limit"`
	// WindowSeconds is the rolling window length.
	WindowSeconds int `yaml:"window_seconds"`
}

// DefaultConfig returns the default rate limit configuration:
// 1000 admissions per hour.
func DefaultConfig() Config {
	return Config{
		Limit:         1000,
		WindowSeconds: 3600,
	}
}

// Status reports the state of a session's window.
type Status struct {
	Count       int64 `json:"count"`
	Limit       int64 `json:"limit"`
	Remaining   int64 `json:"remaining"`
	WithinLimit bool  `json:"within_limit"`
}

// LimitError is the typed rejection surfaced to callers when a session
// exceeds its admission limit. HTTP/WS layers translate it into a
// user-facing "too many actions" message without string-matching.
type LimitError struct {
	SessionID string
	Limit     int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for session %s: limit %d per hour", e.SessionID, e.Limit)
}

// Limiter counts admissions per session in the shared counter store.
//
// The algorithm order is load-bearing: increment first, then set the
// window TTL only when the counter came back 1. Setting the TTL on every
// call would keep pushing the window forward and defeat the limit.
// Rejected calls have already incremented, so they consume a slot; that
// is intentional (a caller cannot free-ride on the check).
//
// The limiter fails open. If the counter store is unreachable the
// operation is admitted and the failure logged: rate limiting here
// protects against runaway cost, not against adversaries, and chat
// availability wins.
type Limiter struct {
	store   counter.Store
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewLimiter creates a rate limiter on the given counter store.
func NewLimiter(store counter.Store, config Config, logger *slog.Logger, metrics *observability.Metrics) *Limiter {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.WindowSeconds <= 0 {
		config.WindowSeconds = DefaultConfig().WindowSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:   store,
		config:  config,
		logger:  logger.With("component", "ratelimit"),
		metrics: metrics,
	}
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int64 {
	return l.config.Limit
}

// SetTracer attaches span instrumentation to admissions.
func (l *Limiter) SetTracer(tracer *observability.Tracer) {
	l.tracer = tracer
}

// Admit counts one admission for the session and reports whether it is
// within limit. count == limit is within; count == limit+1 is the first
// rejection.
func (l *Limiter) Admit(ctx context.Context, sessionID string) Status {
	ctx, span := l.tracer.Start(ctx, "ratelimit.admit",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	key := counter.RateLimitKey(sessionID)

	count, err := l.store.Increment(ctx, key)
	if err != nil {
		l.logger.Error("rate limit store unreachable, failing open",
			"session_id", sessionID, "error", err)
		l.metrics.RateLimitDecision("fail_open")
		observability.RecordError(span, err)
		return l.openStatus()
	}

	if count == 1 {
		// First increment of a fresh window starts its TTL.
		if err := l.store.Expire(ctx, key, time.Duration(l.config.WindowSeconds)*time.Second); err != nil {
			l.logger.Error("failed to set rate limit window TTL",
				"session_id", sessionID, "error", err)
		}
	}

	status := l.statusFor(count)
	if status.WithinLimit {
		l.metrics.RateLimitDecision("admitted")
	} else {
		l.metrics.RateLimitDecision("rejected")
	}
	span.SetAttributes(
		attribute.Int64("ratelimit.count", status.Count),
		attribute.Bool("ratelimit.within_limit", status.WithinLimit),
	)
	return status
}

// GetStatus reports the session's window without consuming a slot. Pure
// read; fails open to a permissive status on store errors.
func (l *Limiter) GetStatus(ctx context.Context, sessionID string) Status {
	count, ok, err := l.store.Get(ctx, counter.RateLimitKey(sessionID))
	if err != nil {
		l.logger.Error("rate limit status read failed, failing open",
			"session_id", sessionID, "error", err)
		return l.openStatus()
	}
	if !ok {
		count = 0
	}
	return l.statusFor(count)
}

func (l *Limiter) statusFor(count int64) Status {
	remaining := l.config.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:       count,
		Limit:       l.config.Limit,
		Remaining:   remaining,
		WithinLimit: count <= l.config.Limit,
	}
}

func (l *Limiter) openStatus() Status {
	return Status{
		Count:       0,
		Limit:       l.config.Limit,
		Remaining:   l.config.Limit,
		WithinLimit: true,
	}
}
