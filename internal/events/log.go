package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/juparopi2/agentcore/internal/observability"
	"github.com/juparopi2/agentcore/internal/sequence"
)

// Log is the append-only event log for session timelines.
type Log struct {
	seq     *sequence.Counter
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	nowFunc func() time.Time
}

// NewLog wires the event log to its sequence counter and store.
func NewLog(seq *sequence.Counter, store Store, logger *slog.Logger, metrics *observability.Metrics) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		seq:     seq,
		store:   store,
		logger:  logger.With("component", "eventlog"),
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (l *Log) SetNowFunc(fn func() time.Time) {
	l.nowFunc = fn
}

// SetTracer attaches span instrumentation to appends.
func (l *Log) SetTracer(tracer *observability.Tracer) {
	l.tracer = tracer
}

// Append mints the next sequence number for the session and persists a
// new event with it. If the insert fails after the number was minted,
// the number is burned: readers may observe a gap, but never a
// duplicate. That trade-off is deliberate.
func (l *Log) Append(ctx context.Context, sessionID string, typ EventType, payload json.RawMessage) (*Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.append",
		attribute.String("session.id", sessionID),
		attribute.String("event.type", string(typ)),
	)
	defer span.End()

	seq, err := l.seq.Next(ctx, sessionID)
	if err != nil {
		l.metrics.EventAppendFailed("sequence")
		observability.RecordError(span, err)
		return nil, fmt.Errorf("append event: %w", err)
	}
	span.SetAttributes(attribute.Int64("event.sequence_number", seq))

	event := &Event{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SequenceNumber: seq,
		Type:           typ,
		Payload:        payload,
		CreatedAt:      l.nowFunc(),
	}
	if err := l.store.Insert(ctx, event); err != nil {
		l.metrics.EventAppendFailed("store")
		observability.RecordError(span, err)
		l.logger.Error("event insert failed, sequence number burned",
			"session_id", sessionID,
			"sequence_number", seq,
			"type", string(typ),
			"error", err,
		)
		return nil, fmt.Errorf("append event: %w", err)
	}

	l.metrics.EventAppended(string(typ))
	return event, nil
}

// MarkProcessed flips the processed flag on an event. Idempotent.
func (l *Log) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.store.MarkProcessed(ctx, eventID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// ListAfter returns session events with sequence number strictly greater
// than afterSeq in ascending order. Clients resuming a stream after a
// reconnect pass their last seen sequence number.
func (l *Log) ListAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	return l.store.ListAfter(ctx, sessionID, afterSeq, limit)
}

// ListSession returns the full event log for a session in order.
func (l *Log) ListSession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return l.store.ListAfter(ctx, sessionID, -1, limit)
}
