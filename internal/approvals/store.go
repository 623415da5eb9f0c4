package approvals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WaiterGuard is evaluated inside DecideAtomic after the row passed
// validation but before the status update commits. Returning a non-nil
// code aborts the decision with that refusal (used for the in-process
// pending-waiter check).
type WaiterGuard func(req *Request) *Code

// DecideOutcome reports what a DecideAtomic attempt did. On CodeApplied
// the Request reflects the committed terminal state; on refusals it
// carries the row as found (nil for CodeApprovalNotFound).
type DecideOutcome struct {
	Code    Code
	Request *Request
}

// Store persists approval requests.
type Store interface {
	// Insert persists a new pending request.
	Insert(ctx context.Context, req *Request) error

	// Get returns a request by id, or nil when absent.
	Get(ctx context.Context, id string) (*Request, error)

	// DecideAtomic validates and applies a decision while holding a row
	// lock, so two racing responders have a well-defined loser.
	// Validation order: row exists, owning session exists, userID owns
	// it (case-insensitive), row still pending, guard passes. The
	// update itself is conditional on status = pending.
	DecideAtomic(ctx context.Context, id string, decision Decision, userID, reason string, at time.Time, guard WaiterGuard) (DecideOutcome, error)

	// Expire transitions a request to expired only if it is still
	// pending; reports whether this call won the transition.
	Expire(ctx context.Context, id string, at time.Time) (bool, error)

	// ListPending returns a session's pending requests, highest
	// priority first, then oldest first.
	ListPending(ctx context.Context, sessionID string) ([]*Request, error)

	// ListExpiredPending returns pending requests whose ExpiresAt has
	// passed; the sweeper force-expires them.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error)

	// Close releases underlying resources.
	Close() error
}

// MemoryStore keeps approval requests in memory, serializing decisions
// under one mutex, which gives the same exactly-once guarantee the SQL
// store gets from row locks.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Request
	dir  SessionDirectory
}

// NewMemoryStore returns an in-memory approval store resolving session
// owners through dir.
func NewMemoryStore(dir SessionDirectory) *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Request),
		dir:  dir,
	}
}

// Insert persists a new pending request.
func (s *MemoryStore) Insert(ctx context.Context, req *Request) error {
	if req == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.rows[req.ID] = &clone
	return nil
}

// Get returns a request by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	clone := *row
	return &clone, nil
}

// DecideAtomic validates and applies a decision under the store mutex.
func (s *MemoryStore) DecideAtomic(ctx context.Context, id string, decision Decision, userID, reason string, at time.Time, guard WaiterGuard) (DecideOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return DecideOutcome{Code: CodeApprovalNotFound}, nil
	}
	snapshot := *row

	owner, ok, err := s.dir.Owner(ctx, row.SessionID)
	if err != nil {
		return DecideOutcome{}, err
	}
	if !ok {
		return DecideOutcome{Code: CodeSessionNotFound, Request: &snapshot}, nil
	}
	if !ownerMatches(owner, userID) {
		return DecideOutcome{Code: CodeUnauthorized, Request: &snapshot}, nil
	}
	if row.Status != StatusPending {
		code := CodeAlreadyResolved
		if row.Status == StatusExpired {
			code = CodeExpired
		}
		return DecideOutcome{Code: code, Request: &snapshot}, nil
	}
	if guard != nil {
		if code := guard(&snapshot); code != nil {
			return DecideOutcome{Code: *code, Request: &snapshot}, nil
		}
	}

	row.Status = StatusApproved
	if decision == DecisionRejected {
		row.Status = StatusRejected
		row.RejectionReason = reason
	}
	decidedAt := at
	row.DecidedAt = &decidedAt
	row.DecidedBy = userID

	applied := *row
	return DecideOutcome{Code: CodeApplied, Request: &applied}, nil
}

// Expire transitions a pending request to expired.
func (s *MemoryStore) Expire(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.Status != StatusPending {
		return false, nil
	}
	row.Status = StatusExpired
	decidedAt := at
	row.DecidedAt = &decidedAt
	return true, nil
}

// ListPending returns a session's pending requests ordered for display.
func (s *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Request
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.Status == StatusPending {
			clone := *row
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		ri, rj := priorityRank(pending[i].Priority), priorityRank(pending[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListExpiredPending returns pending requests past their deadline.
func (s *MemoryStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Request
	for _, row := range s.rows {
		if row.Status == StatusPending && row.ExpiresAt.Before(now) {
			clone := *row
			stale = append(stale, &clone)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ExpiresAt.Before(stale[j].ExpiresAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
