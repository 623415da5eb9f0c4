// Package approvals implements the human-in-the-loop approval gate: a
// blocked agent turn rendezvouses with an out-of-band user decision or a
// timeout, with exactly-once resolution however many responders race.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ApprovalStatus is the lifecycle state of an approval request. All
// transitions out of pending are terminal.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
)

// Priority orders pending approvals for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Request is one approval request. The persisted row is the single
// source of truth for status; the in-process waiter map only tracks who
// is blocked on the outcome.
type Request struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	ToolName        string          `json:"tool_name"`
	ToolArgs        json.RawMessage `json:"tool_args,omitempty"`
	Summary         string          `json:"summary"`
	Status          ApprovalStatus  `json:"status"`
	Priority        Priority        `json:"priority"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
}

// Code classifies a decision attempt's outcome. Everything except
// CodeApplied is a benign, typed refusal; infrastructure problems are
// returned as errors instead.
type Code string

const (
	CodeApplied          Code = "APPLIED"
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeAlreadyResolved  Code = "ALREADY_RESOLVED"
	CodeExpired          Code = "EXPIRED"
	CodeNoPendingWaiter  Code = "NO_PENDING_PROMISE"
)

// Result is returned by Respond and RespondAtomic.
type Result struct {
	Success bool     `json:"success"`
	Code    Code     `json:"code"`
	Request *Request `json:"request,omitempty"`
}

// SessionDirectory resolves a session's owning user. Backed by the
// sessions table outside the core.
type SessionDirectory interface {
	// Owner returns the owning user id; ok is false when the session
	// record no longer exists.
	Owner(ctx context.Context, sessionID string) (userID string, ok bool, err error)
}

// StaticDirectory is a fixed session→owner map for tests and
// single-tenant embedding.
type StaticDirectory map[string]string

// Owner looks up the owning user.
func (d StaticDirectory) Owner(ctx context.Context, sessionID string) (string, bool, error) {
	owner, ok := d[sessionID]
	return owner, ok, nil
}

// ownerMatches compares user identifiers case-insensitively.
func ownerMatches(owner, userID string) bool {
	return strings.EqualFold(owner, userID)
}

// Summarize renders the human-readable change summary shown alongside
// an approval prompt. Display only; never correctness-relevant.
func Summarize(toolName string, args json.RawMessage) string {
	var fields map[string]any
	if len(args) > 0 {
		_ = json.Unmarshal(args, &fields)
	}
	if len(fields) == 0 {
		return fmt.Sprintf("%s (no arguments)", toolName)
	}

	// Prefer the argument names users recognize from tool prompts.
	for _, key := range []string{"path", "file", "table", "command", "query", "url"} {
		if value, ok := fields[key].(string); ok && value != "" {
			return fmt.Sprintf("%s on %s", toolName, value)
		}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s with %s", toolName, strings.Join(keys, ", "))
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}
