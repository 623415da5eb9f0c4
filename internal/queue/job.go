// Package queue implements the durable three-lane work queue feeding
// message persistence, tool execution, and event processing.
package queue

import (
	"encoding/json"
	"time"

	"github.com/juparopi2/agentcore/internal/backoff"
)

// Lane identifies one of the queue's independently configured lanes.
type Lane string

const (
	// LaneMessages persists chat messages. Highest priority; admission
	// is rate limited per session.
	LaneMessages Lane = "message-persistence"

	// LaneTools runs approved tool executions.
	LaneTools Lane = "tool-execution"

	// LaneEvents post-processes events (embedding and timeline work).
	LaneEvents Lane = "event-processing"
)

// Status represents the state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Lane        Lane            `json:"lane"`
	SessionID   string          `json:"session_id"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// LaneConfig holds one lane's admission and retry policy.
type LaneConfig struct {
	Priority    int
	MaxAttempts int
	Backoff     backoff.Policy
}

// DefaultLanes returns the standard lane table.
func DefaultLanes() map[Lane]LaneConfig {
	return map[Lane]LaneConfig{
		LaneMessages: {
			Priority:    1,
			MaxAttempts: 3,
			Backoff:     backoff.Policy{Initial: 1000 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.1},
		},
		LaneTools: {
			Priority:    2,
			MaxAttempts: 2,
			Backoff:     backoff.Policy{Initial: 2000 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.1},
		},
		LaneEvents: {
			Priority:    3,
			MaxAttempts: 3,
			Backoff:     backoff.Policy{Initial: 500 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.1},
		},
	}
}

// Stats reports one lane's job counts by state.
type Stats struct {
	Lane      Lane  `json:"lane"`
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
