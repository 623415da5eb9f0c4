package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/juparopi2/agentcore/internal/counter"
	"github.com/juparopi2/agentcore/internal/observability"
	"github.com/juparopi2/agentcore/internal/sequence"
)

func newTestLogWith(store Store) *Log {
	seq := sequence.New(counter.NewMemoryStore(), nil)
	return NewLog(seq, store, nil, nil)
}

func TestAppendAssignsZeroBasedContiguousSequence(t *testing.T) {
	log := newTestLogWith(NewMemoryStore())
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		event, err := log.Append(ctx, "s1", EventUserMessageSent, nil)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if event.SequenceNumber != want {
			t.Fatalf("sequence = %d, want %d", event.SequenceNumber, want)
		}
		if event.ID == "" {
			t.Fatal("event missing id")
		}
	}
}

func TestAppendIsolatesSessions(t *testing.T) {
	log := newTestLogWith(NewMemoryStore())
	ctx := context.Background()

	if _, err := log.Append(ctx, "s1", EventUserMessageSent, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	event, err := log.Append(ctx, "s2", EventUserMessageSent, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if event.SequenceNumber != 0 {
		t.Fatalf("new session sequence = %d, want 0", event.SequenceNumber)
	}
}

func TestListAfterReturnsLaterEventsInOrder(t *testing.T) {
	log := newTestLogWith(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, "s1", EventUserMessageSent, nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := log.ListAfter(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("ListAfter() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].SequenceNumber != 3 || got[1].SequenceNumber != 4 {
		t.Fatalf("sequences = %d, %d, want 3, 4", got[0].SequenceNumber, got[1].SequenceNumber)
	}

	all, err := log.ListSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListSession() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("full log len = %d, want 5", len(all))
	}
	for i, event := range all {
		if event.SequenceNumber != int64(i) {
			t.Fatalf("all[%d].SequenceNumber = %d", i, event.SequenceNumber)
		}
	}
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failNext bool
}

func (s *flakyStore) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	fail := s.failNext
	s.failNext = false
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Insert(ctx, event)
}

func TestFailedInsertBurnsSequenceNumber(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	log := newTestLogWith(store)
	ctx := context.Background()

	if _, err := log.Append(ctx, "s1", EventUserMessageSent, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()
	if _, err := log.Append(ctx, "s1", EventUserMessageSent, nil); err == nil {
		t.Fatal("Append() should surface the insert failure")
	}

	// The failed append's number is burned; the next event gets a fresh
	// number, leaving a gap but never a duplicate.
	event, err := log.Append(ctx, "s1", EventUserMessageSent, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if event.SequenceNumber != 2 {
		t.Fatalf("sequence = %d, want 2 (1 was burned)", event.SequenceNumber)
	}

	all, _ := log.ListSession(ctx, "s1", 0)
	if len(all) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(all))
	}
	if all[0].SequenceNumber != 0 || all[1].SequenceNumber != 2 {
		t.Fatalf("sequences = %d, %d", all[0].SequenceNumber, all[1].SequenceNumber)
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	log := newTestLogWith(NewMemoryStore())
	ctx := context.Background()

	event, err := log.Append(ctx, "s1", EventUserMessageSent, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := log.MarkProcessed(ctx, event.ID); err != nil {
			t.Fatalf("MarkProcessed() error = %v", err)
		}
	}
	if err := log.MarkProcessed(ctx, "unknown"); err != nil {
		t.Fatalf("MarkProcessed(unknown) error = %v", err)
	}

	all, _ := log.ListSession(ctx, "s1", 0)
	if !all[0].Processed {
		t.Fatal("event not marked processed")
	}
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	log := newTestLogWith(NewMemoryStore())
	ctx := context.Background()

	const (
		goroutines = 10
		perWorker  = 5
	)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := log.Append(ctx, "s1", EventUserMessageSent, nil); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	all, err := log.ListSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListSession() error = %v", err)
	}
	if len(all) != goroutines*perWorker {
		t.Fatalf("len = %d, want %d", len(all), goroutines*perWorker)
	}
	for i, event := range all {
		if event.SequenceNumber != int64(i) {
			t.Fatalf("all[%d].SequenceNumber = %d, gap or duplicate under concurrency", i, event.SequenceNumber)
		}
	}
}

func TestAppendEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	log := newTestLogWith(NewMemoryStore())
	log.SetTracer(observability.NewTracerWithProvider(provider, "test"))

	if _, err := log.Append(context.Background(), "s1", EventUserMessageSent, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "eventlog.append" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	var sawSession, sawSequence bool
	for _, attr := range spans[0].Attributes() {
		switch string(attr.Key) {
		case "session.id":
			sawSession = attr.Value.AsString() == "s1"
		case "event.sequence_number":
			sawSequence = attr.Value.AsInt64() == 0
		}
	}
	if !sawSession || !sawSequence {
		t.Fatalf("span attributes incomplete: %v", spans[0].Attributes())
	}
}

func TestMemoryStoreRejectsSequenceCollision(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Event{ID: "e1", SessionID: "s1", SequenceNumber: 0, Type: EventUserMessageSent}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	dup := &Event{ID: "e2", SessionID: "s1", SequenceNumber: 0, Type: EventUserMessageSent}
	if err := store.Insert(ctx, dup); err == nil {
		t.Fatal("duplicate (session, sequence) insert must fail")
	}
	// Same number on another session is fine.
	other := &Event{ID: "e3", SessionID: "s2", SequenceNumber: 0, Type: EventUserMessageSent}
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}
