// Package events implements the append-only session event log.
//
// Every event carries a per-session sequence number minted by the
// sequence counter. For a fixed session the persisted numbers are
// strictly increasing with no repeats; a gap can appear only when a
// number was minted but the insert failed (the number is burned). Two
// rows can never collide on (session, sequence).
package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventUserMessageSent        EventType = "user_message_sent"
	EventAssistantMessageSaved  EventType = "assistant_message_saved"
	EventToolExecutionStarted   EventType = "tool_execution_started"
	EventToolExecutionCompleted EventType = "tool_execution_completed"
	EventApprovalRequested      EventType = "approval_requested"
	EventApprovalResolved       EventType = "approval_resolved"
	EventErrorOccurred          EventType = "error_occurred"
)

// Event is one entry in a session's event log. Rows are never mutated
// after insert except for the Processed flag.
type Event struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	SequenceNumber int64           `json:"sequence_number"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Processed      bool            `json:"processed"`
}

// Store persists events.
type Store interface {
	// Insert persists a new event. It fails if (session, sequence) is
	// already taken.
	Insert(ctx context.Context, event *Event) error

	// MarkProcessed flips the processed flag. Idempotent; marking an
	// already-processed or unknown event is not an error.
	MarkProcessed(ctx context.Context, eventID string) error

	// ListAfter returns events for a session with sequence number
	// strictly greater than afterSeq, in ascending sequence order.
	// Pass afterSeq = -1 for the full log. limit <= 0 means no limit.
	ListAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error)

	// Close releases underlying resources.
	Close() error
}
