// Package notify broadcasts session events to subscribers (the pub/sub
// boundary between the core and delivery layers such as websockets).
package notify

import (
	"time"
)

// Persistence tags whether the envelope's event made it into the durable
// event log. A degraded envelope carries no sequence number; subscribers
// must not treat its ordering as authoritative.
type Persistence string

const (
	// Persisted means the event was appended with a sequence number.
	Persisted Persistence = "persisted"
	// Failed means the durable append failed and the envelope is
	// best-effort only.
	Failed Persistence = "failed"
)

// Envelope is the wire shape broadcast to a session room.
type Envelope struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EventID        string         `json:"event_id,omitempty"`
	SequenceNumber *int64         `json:"sequence_number,omitempty"`
	Persistence    Persistence    `json:"persistence_state"`
	Data           map[string]any `json:"data,omitempty"`
}

// Notifier delivers envelopes to a session room. Fire-and-forget:
// implementations must never block the caller.
type Notifier interface {
	Emit(sessionID string, envelope Envelope)
}

// NopNotifier discards all envelopes.
type NopNotifier struct{}

// Emit discards the envelope.
func (NopNotifier) Emit(string, Envelope) {}
