package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/juparopi2/agentcore/internal/counter"
	"github.com/juparopi2/agentcore/internal/observability"
)

// recordingStore wraps a memory store and records Expire calls.
type recordingStore struct {
	*counter.MemoryStore
	expireCalls []string
}

func (s *recordingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.expireCalls = append(s.expireCalls, key)
	return s.MemoryStore.Expire(ctx, key, ttl)
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Increment(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Get(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}
func (brokenStore) Delete(ctx context.Context, key string) error {
	return errors.New("connection refused")
}
func (brokenStore) Close() error { return nil }

func TestAdmitBoundary(t *testing.T) {
	limiter := NewLimiter(counter.NewMemoryStore(), Config{Limit: 5}, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		status := limiter.Admit(ctx, "s1")
		if !status.WithinLimit {
			t.Fatalf("admission %d should be within limit: %+v", i, status)
		}
	}
	// The 5th admission is the last allowed one.
	if status := limiter.GetStatus(ctx, "s1"); status.Remaining != 0 || !status.WithinLimit {
		t.Fatalf("expected remaining=0 within limit, got %+v", status)
	}

	// The 6th is the first rejection, and it still consumed a slot.
	status := limiter.Admit(ctx, "s1")
	if status.WithinLimit {
		t.Fatalf("expected rejection past the limit, got %+v", status)
	}
	if status.Count != 6 {
		t.Fatalf("expected rejected call to keep its slot (count 6), got %d", status.Count)
	}
}

func TestLimitErrorMessage(t *testing.T) {
	err := &LimitError{SessionID: "s1", Limit: 1000}
	msg := err.Error()
	if !strings.Contains(msg, "1000") || !strings.Contains(msg, "s1") {
		t.Fatalf("expected limit and session in message, got %q", msg)
	}

	var limitErr *LimitError
	if !errors.As(error(err), &limitErr) {
		t.Fatal("expected errors.As to match *LimitError")
	}
}

func TestWindowTTLSetOnlyOnFirstIncrement(t *testing.T) {
	store := &recordingStore{MemoryStore: counter.NewMemoryStore()}
	limiter := NewLimiter(store, Config{Limit: 100}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.Admit(ctx, "s1")
	}
	if len(store.expireCalls) != 1 {
		t.Fatalf("expected exactly one Expire call, got %d", len(store.expireCalls))
	}
	if store.expireCalls[0] != counter.RateLimitKey("s1") {
		t.Fatalf("unexpected expire key %q", store.expireCalls[0])
	}
}

func TestWindowResetAfterTTL(t *testing.T) {
	store := counter.NewMemoryStore()
	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	limiter := NewLimiter(store, Config{Limit: 2, WindowSeconds: 3600}, nil, nil)
	ctx := context.Background()

	limiter.Admit(ctx, "s1")
	limiter.Admit(ctx, "s1")
	if status := limiter.Admit(ctx, "s1"); status.WithinLimit {
		t.Fatalf("expected rejection before window reset, got %+v", status)
	}

	now = now.Add(time.Hour + time.Second)
	if status := limiter.Admit(ctx, "s1"); !status.WithinLimit || status.Count != 1 {
		t.Fatalf("expected fresh window after TTL, got %+v", status)
	}
}

func TestAdmitFailsOpen(t *testing.T) {
	limiter := NewLimiter(brokenStore{}, Config{Limit: 10}, slog.Default(), nil)

	status := limiter.Admit(context.Background(), "s1")
	if !status.WithinLimit {
		t.Fatalf("expected fail-open admission, got %+v", status)
	}
	if status.Remaining != 10 {
		t.Fatalf("expected permissive status, got %+v", status)
	}
}

func TestGetStatusFailsOpen(t *testing.T) {
	limiter := NewLimiter(brokenStore{}, Config{Limit: 10}, slog.Default(), nil)

	status := limiter.GetStatus(context.Background(), "s1")
	if !status.WithinLimit || status.Count != 0 || status.Remaining != 10 {
		t.Fatalf("expected permissive status on read failure, got %+v", status)
	}
}

func TestGetStatusNeverWrites(t *testing.T) {
	store := counter.NewMemoryStore()
	limiter := NewLimiter(store, Config{Limit: 10}, nil, nil)
	ctx := context.Background()

	limiter.Admit(ctx, "s1")
	for i := 0; i < 5; i++ {
		limiter.GetStatus(ctx, "s1")
	}
	if status := limiter.GetStatus(ctx, "s1"); status.Count != 1 {
		t.Fatalf("status reads must not increment, got count %d", status.Count)
	}
}

func TestSessionIsolation(t *testing.T) {
	limiter := NewLimiter(counter.NewMemoryStore(), Config{Limit: 2}, nil, nil)
	ctx := context.Background()

	limiter.Admit(ctx, "A")
	limiter.Admit(ctx, "A")
	limiter.Admit(ctx, "A")

	if status := limiter.Admit(ctx, "B"); !status.WithinLimit || status.Count != 1 {
		t.Fatalf("session B should be unaffected by A, got %+v", status)
	}
}

func TestAdmitEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	limiter := NewLimiter(counter.NewMemoryStore(), Config{Limit: 10}, nil, nil)
	limiter.SetTracer(observability.NewTracerWithProvider(provider, "test"))
	ctx := context.Background()

	limiter.Admit(ctx, "s1")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "ratelimit.admit" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	var sawWithin bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "ratelimit.within_limit" && attr.Value.AsBool() {
			sawWithin = true
		}
	}
	if !sawWithin {
		t.Fatalf("span attributes incomplete: %v", spans[0].Attributes())
	}
}

func TestAdmitSpanRecordsStoreFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	limiter := NewLimiter(brokenStore{}, Config{Limit: 10}, slog.Default(), nil)
	limiter.SetTracer(observability.NewTracerWithProvider(provider, "test"))

	limiter.Admit(context.Background(), "s1")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("span status = %v, store failure must be recorded", spans[0].Status().Code)
	}
}
