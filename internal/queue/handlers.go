package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juparopi2/agentcore/internal/events"
)

// MessageSink persists chat messages. The actual message table lives
// outside the core; the queue only needs this boundary.
type MessageSink interface {
	SaveMessage(ctx context.Context, sessionID string, message json.RawMessage) error
}

// ToolRunner executes an approved tool call. Provided by the agent
// runtime.
type ToolRunner interface {
	Execute(ctx context.Context, sessionID, toolName string, args json.RawMessage) error
}

// MessageJob is the payload of a message-persistence job.
type MessageJob struct {
	SessionID string          `json:"session_id"`
	EventID   string          `json:"event_id"`
	Message   json.RawMessage `json:"message"`
}

// ToolJob is the payload of a tool-execution job.
type ToolJob struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// EventJob is the payload of an event-processing job.
type EventJob struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
}

// MessagePersistenceHandler saves the message through the sink and marks
// the originating event processed.
func MessagePersistenceHandler(sink MessageSink, log *events.Log) Handler {
	return func(ctx context.Context, job *Job) error {
		var payload MessageJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode message job: %w", err)
		}
		if err := sink.SaveMessage(ctx, payload.SessionID, payload.Message); err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		if payload.EventID != "" {
			if err := log.MarkProcessed(ctx, payload.EventID); err != nil {
				return fmt.Errorf("mark message event processed: %w", err)
			}
		}
		return nil
	}
}

// ToolExecutionHandler runs the tool through the runtime boundary.
func ToolExecutionHandler(runner ToolRunner) Handler {
	return func(ctx context.Context, job *Job) error {
		var payload ToolJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode tool job: %w", err)
		}
		if err := runner.Execute(ctx, payload.SessionID, payload.ToolName, payload.Args); err != nil {
			return fmt.Errorf("execute tool %s: %w", payload.ToolName, err)
		}
		return nil
	}
}

// EventProcessingHandler marks the referenced event processed once
// downstream processing completes.
func EventProcessingHandler(log *events.Log) Handler {
	return func(ctx context.Context, job *Job) error {
		var payload EventJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode event job: %w", err)
		}
		if err := log.MarkProcessed(ctx, payload.EventID); err != nil {
			return fmt.Errorf("mark event processed: %w", err)
		}
		return nil
	}
}
