package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/juparopi2/agentcore/internal/backoff"
	"github.com/juparopi2/agentcore/internal/counter"
	"github.com/juparopi2/agentcore/internal/events"
	"github.com/juparopi2/agentcore/internal/observability"
	"github.com/juparopi2/agentcore/internal/ratelimit"
	"github.com/juparopi2/agentcore/internal/sequence"
)

func fastLanes() map[Lane]LaneConfig {
	lanes := DefaultLanes()
	for lane, config := range lanes {
		config.Backoff = backoff.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}
		lanes[lane] = config
	}
	return lanes
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, WorkersPerLane: 2, Lanes: fastLanes()}
}

func newTestLimiter(limit int64) *ratelimit.Limiter {
	return ratelimit.NewLimiter(counter.NewMemoryStore(), ratelimit.Config{Limit: limit}, nil, nil)
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueRateLimitRejection(t *testing.T) {
	q := New(NewMemoryStore(), newTestLimiter(1000), fastConfig(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if _, err := q.Enqueue(ctx, LaneMessages, "s1", nil); err != nil {
			t.Fatalf("admission %d: %v", i+1, err)
		}
	}

	_, err := q.Enqueue(ctx, LaneMessages, "s1", nil)
	if err == nil {
		t.Fatal("expected rate limit rejection on the 1001st enqueue")
	}
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *ratelimit.LimitError, got %T", err)
	}
	if !strings.Contains(err.Error(), "1000") || !strings.Contains(err.Error(), "s1") {
		t.Fatalf("expected limit and session in error, got %q", err.Error())
	}

	// The rejected job was never written.
	stats, err := q.Stats(ctx, LaneMessages)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1000 {
		t.Fatalf("expected 1000 queued jobs, got %d", stats.Waiting)
	}
}

func TestRateLimitOnlyGatesMessageLane(t *testing.T) {
	q := New(NewMemoryStore(), newTestLimiter(1), fastConfig(), nil, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, LaneMessages, "s1", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, LaneTools, "s1", nil); err != nil {
		t.Fatalf("tool lane must not consume message admissions: %v", err)
	}
	if _, err := q.Enqueue(ctx, LaneEvents, "s1", nil); err != nil {
		t.Fatalf("event lane must not consume message admissions: %v", err)
	}
}

func TestDispatchSuccess(t *testing.T) {
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	if err := q.Register(LaneTools, func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q.Start(ctx)
	defer q.Close(context.Background())

	if _, err := q.Enqueue(ctx, LaneTools, "s1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		stats, _ := q.Stats(ctx, LaneTools)
		return stats.Completed == 1
	})
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	if err := q.Register(LaneEvents, func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q.Start(ctx)
	defer q.Close(context.Background())

	if _, err := q.Enqueue(ctx, LaneEvents, "s1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Event lane allows 3 attempts; the third one succeeds.
	waitFor(t, 5*time.Second, func() bool {
		stats, _ := q.Stats(ctx, LaneEvents)
		return stats.Completed == 1
	})
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestExhaustedJobParkedAsFailed(t *testing.T) {
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Register(LaneTools, func(ctx context.Context, job *Job) error {
		return errors.New("broken tool")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q.Start(ctx)
	defer q.Close(context.Background())

	jobID, err := q.Enqueue(ctx, LaneTools, "s1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Tool lane allows 2 attempts.
	waitFor(t, 5*time.Second, func() bool {
		stats, _ := q.Stats(ctx, LaneTools)
		return stats.Failed == 1
	})

	failed, err := q.ListFailed(ctx, LaneTools, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != jobID {
		t.Fatalf("expected the failed job to be inspectable, got %+v", failed)
	}
	if failed[0].Attempt != 2 || !strings.Contains(failed[0].LastError, "broken tool") {
		t.Fatalf("expected exhausted attempts with last error, got %+v", failed[0])
	}
}

func TestPauseAndResume(t *testing.T) {
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	if err := q.Register(LaneMessages, func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q.Pause(LaneMessages)
	q.Start(ctx)
	defer q.Close(context.Background())

	if _, err := q.Enqueue(ctx, LaneMessages, "s1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatal("paused lane must not process jobs")
	}
	stats, _ := q.Stats(ctx, LaneMessages)
	if stats.Waiting != 1 {
		t.Fatalf("paused lane must keep queued jobs, got %+v", stats)
	}

	q.Resume(LaneMessages)
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })
}

func TestMessagePersistenceMarksEventProcessed(t *testing.T) {
	store := events.NewMemoryStore()
	log := events.NewLog(sequence.New(counter.NewMemoryStore(), nil), store, nil, nil)
	ctx := context.Background()

	event, err := log.Append(ctx, "s1", events.EventUserMessageSent, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sink := &recordingSink{}
	handler := MessagePersistenceHandler(sink, log)

	payload, _ := json.Marshal(MessageJob{SessionID: "s1", EventID: event.ID, Message: json.RawMessage(`{"text":"hi"}`)})
	if err := handler(ctx, &Job{ID: "j1", Lane: LaneMessages, Payload: payload}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if sink.saved != 1 {
		t.Fatalf("expected one saved message, got %d", sink.saved)
	}
	listed, err := log.ListSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || !listed[0].Processed {
		t.Fatalf("expected event marked processed, got %+v", listed)
	}
}

type recordingSink struct {
	saved int
}

func (s *recordingSink) SaveMessage(ctx context.Context, sessionID string, message json.RawMessage) error {
	s.saved++
	return nil
}

func TestCloseDrainsInFlight(t *testing.T) {
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := q.Register(LaneTools, func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q.Start(ctx)
	if _, err := q.Enqueue(ctx, LaneTools, "s1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	closed := make(chan error, 1)
	go func() {
		closed <- q.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("close must wait for in-flight work")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}

	stats, _ := q.Stats(context.Background(), LaneTools)
	if stats.Completed != 1 {
		t.Fatalf("expected drained job to complete, got %+v", stats)
	}
}

func TestEnqueueEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	q := New(NewMemoryStore(), nil, fastConfig(), nil, nil)
	q.SetTracer(observability.NewTracerWithProvider(provider, "test"))

	if _, err := q.Enqueue(context.Background(), LaneEvents, "s1", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "queue.enqueue" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	var sawLane bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "queue.lane" && attr.Value.AsString() == string(LaneEvents) {
			sawLane = true
		}
	}
	if !sawLane {
		t.Fatalf("span attributes incomplete: %v", spans[0].Attributes())
	}
}
