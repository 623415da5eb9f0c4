package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/juparopi2/agentcore/internal/events"
	"github.com/juparopi2/agentcore/internal/notify"
	"github.com/juparopi2/agentcore/internal/observability"
)

const (
	// DefaultTTL is how long an approval waits for a decision before
	// it expires and the blocked turn proceeds as rejected.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the sweeper force-expires
	// pending rows whose in-process timer was lost (crash, restart).
	DefaultSweepInterval = time.Minute
)

// waiter is one blocked turn. The channel is buffered so the resolving
// side never blocks even if the requester already gave up.
type waiter struct {
	ch    chan bool
	timer *time.Timer
}

// Gate coordinates approval requests between a blocked agent turn and
// an out-of-band human decision. The persisted row is authoritative for
// status; the waiter map only routes the verdict back to whoever is
// blocked. Every path that touches a waiter resolves it exactly once,
// so a blocked turn can never hang past its deadline.
type Gate struct {
	store    Store
	dir      SessionDirectory
	events   *events.Log
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	defaultTTL    time.Duration
	sweepInterval time.Duration
	nowFunc       func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter

	sweepOnce sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithTTL overrides the default approval deadline.
func WithTTL(ttl time.Duration) GateOption {
	return func(g *Gate) { g.defaultTTL = ttl }
}

// WithSweepInterval overrides the sweeper cadence.
func WithSweepInterval(interval time.Duration) GateOption {
	return func(g *Gate) { g.sweepInterval = interval }
}

// WithNowFunc sets a custom time source for testing.
func WithNowFunc(fn func() time.Time) GateOption {
	return func(g *Gate) { g.nowFunc = fn }
}

// WithTracer attaches span instrumentation to decisions.
func WithTracer(tracer *observability.Tracer) GateOption {
	return func(g *Gate) { g.tracer = tracer }
}

// NewGate wires an approval gate. The event log and notifier are best
// effort; a nil notifier discards notifications.
func NewGate(store Store, dir SessionDirectory, log *events.Log, notifier notify.Notifier, logger *slog.Logger, metrics *observability.Metrics, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	g := &Gate{
		store:         store,
		dir:           dir,
		events:        log,
		notifier:      notifier,
		logger:        logger.With("component", "approvals"),
		metrics:       metrics,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		nowFunc:       time.Now,
		waiters:       make(map[string]*waiter),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestOptions shape a new approval request.
type RequestOptions struct {
	SessionID string
	ToolName  string
	ToolArgs  json.RawMessage
	Priority  Priority
	// ExpiresIn overrides the gate's default TTL when positive.
	ExpiresIn time.Duration
}

// Request persists a pending approval, announces it, and returns a
// channel that receives exactly one verdict: true for approved, false
// for rejected or expired. The caller's turn blocks on the channel.
//
// The persisted row is created first so a decision arriving through
// another process still has something to act on. Event log and
// notification failures degrade the announcement but never fail the
// request; the returned channel is always resolved by RespondAtomic,
// the expiry timer, the sweeper, or Close.
func (g *Gate) Request(ctx context.Context, opts RequestOptions) (<-chan bool, *Request, error) {
	if opts.SessionID == "" {
		return nil, nil, fmt.Errorf("request approval: session id required")
	}
	ttl := g.defaultTTL
	if opts.ExpiresIn > 0 {
		ttl = opts.ExpiresIn
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	now := g.nowFunc()
	req := &Request{
		ID:        uuid.NewString(),
		SessionID: opts.SessionID,
		ToolName:  opts.ToolName,
		ToolArgs:  opts.ToolArgs,
		Summary:   Summarize(opts.ToolName, opts.ToolArgs),
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := g.store.Insert(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("request approval: %w", err)
	}

	g.announce(ctx, req, string(events.EventApprovalRequested), map[string]any{
		"approval_id": req.ID,
		"tool_name":   req.ToolName,
		"summary":     req.Summary,
		"priority":    string(req.Priority),
		"expires_at":  req.ExpiresAt,
	})

	// Register and arm under the lock so an immediate expiry still
	// finds the waiter, and resolveWaiter never sees a half-built one.
	w := &waiter{ch: make(chan bool, 1)}
	g.mu.Lock()
	g.waiters[req.ID] = w
	w.timer = time.AfterFunc(ttl, func() { g.expire(req.ID) })
	g.mu.Unlock()
	g.metrics.ApprovalWaiterAdded()

	return w.ch, req, nil
}

// RespondAtomic applies a human decision exactly once. Concurrent calls
// for the same approval serialize in the store; exactly one observes
// CodeApplied and the rest get a typed refusal. When the decision
// applies, the blocked waiter is resolved unconditionally, even if the
// follow-up event append or notification fails.
func (g *Gate) RespondAtomic(ctx context.Context, approvalID, userID string, decision Decision, reason string) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "approvals.respond",
		attribute.String("approval.id", approvalID),
		attribute.String("approval.decision", string(decision)),
	)
	defer span.End()

	guard := func(req *Request) *Code {
		g.mu.Lock()
		_, ok := g.waiters[req.ID]
		g.mu.Unlock()
		if !ok {
			code := CodeNoPendingWaiter
			return &code
		}
		return nil
	}

	outcome, err := g.store.DecideAtomic(ctx, approvalID, decision, userID, reason, g.nowFunc(), guard)
	if err != nil {
		observability.RecordError(span, err)
		return Result{}, fmt.Errorf("respond to approval: %w", err)
	}
	span.SetAttributes(attribute.String("approval.outcome", string(outcome.Code)))
	if outcome.Code != CodeApplied {
		return Result{Success: false, Code: outcome.Code, Request: outcome.Request}, nil
	}

	approved := decision == DecisionApproved
	// Resolve the waiter no matter what the announcement below does.
	defer g.resolveWaiter(approvalID, approved)

	g.metrics.ApprovalResolved(string(outcome.Request.Status))
	g.announce(ctx, outcome.Request, string(events.EventApprovalResolved), map[string]any{
		"approval_id": approvalID,
		"decision":    string(decision),
		"decided_by":  userID,
		"reason":      reason,
	})

	return Result{Success: true, Code: CodeApplied, Request: outcome.Request}, nil
}

// Respond applies a decision without the ownership check, for trusted
// in-process callers that already authenticated the user.
func (g *Gate) Respond(ctx context.Context, approvalID string, decision Decision, reason string) (Result, error) {
	req, err := g.store.Get(ctx, approvalID)
	if err != nil {
		return Result{}, fmt.Errorf("respond to approval: %w", err)
	}
	if req == nil {
		return Result{Success: false, Code: CodeApprovalNotFound}, nil
	}
	owner, ok, err := g.dir.Owner(ctx, req.SessionID)
	if err != nil {
		return Result{}, fmt.Errorf("respond to approval: %w", err)
	}
	if !ok {
		return Result{Success: false, Code: CodeSessionNotFound, Request: req}, nil
	}
	return g.RespondAtomic(ctx, approvalID, owner, decision, reason)
}

// Pending returns a session's pending approvals, highest priority first.
func (g *Gate) Pending(ctx context.Context, sessionID string) ([]*Request, error) {
	pending, err := g.store.ListPending(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return pending, nil
}

// Start launches the background sweeper. Safe to call once; Close stops
// it.
func (g *Gate) Start() {
	g.sweepOnce.Do(func() {
		go g.sweep()
	})
}

func (g *Gate) sweep() {
	defer close(g.done)
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweepExpired()
		}
	}
}

// sweepExpired force-expires pending rows past their deadline. This
// catches rows whose in-process timer was lost to a restart.
func (g *Gate) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stale, err := g.store.ListExpiredPending(ctx, g.nowFunc(), 100)
	if err != nil {
		g.logger.Error("sweep expired approvals failed", "error", err)
		return
	}
	for _, req := range stale {
		g.expire(req.ID)
	}
}

// expire handles a timed-out approval. The conditional pending→expired
// transition runs first: if a decision already won the row, that
// responder resolves the waiter and the timer stands down, so the
// blocked turn cannot learn false while the row commits approved. Only
// when the store's fate is unknown does the timer resolve false anyway,
// keeping the no-hang guarantee.
func (g *Gate) expire(approvalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	won, err := g.store.Expire(ctx, approvalID, g.nowFunc())
	if err != nil {
		g.logger.Error("expire approval failed", "approval_id", approvalID, "error", err)
		g.resolveWaiter(approvalID, false)
		return
	}
	if !won {
		return
	}
	g.resolveWaiter(approvalID, false)

	g.metrics.ApprovalResolved(string(StatusExpired))
	req, err := g.store.Get(ctx, approvalID)
	if err != nil || req == nil {
		g.logger.Warn("expired approval not readable", "approval_id", approvalID, "error", err)
		return
	}
	g.announce(ctx, req, string(events.EventApprovalResolved), map[string]any{
		"approval_id": approvalID,
		"decision":    string(StatusExpired),
	})
}

// resolveWaiter delivers the verdict and removes the waiter. Idempotent;
// only the first call for an id delivers anything.
func (g *Gate) resolveWaiter(approvalID string, approved bool) {
	g.mu.Lock()
	w, ok := g.waiters[approvalID]
	if ok {
		delete(g.waiters, approvalID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- approved
	g.metrics.ApprovalWaiterRemoved()
}

// announce appends an event and broadcasts it. Failure to persist the
// event degrades the notification instead of failing the caller.
func (g *Gate) announce(ctx context.Context, req *Request, eventType string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("marshal approval payload failed", "approval_id", req.ID, "error", err)
		payload = nil
	}

	envelope := notify.Envelope{
		Type:        eventType,
		SessionID:   req.SessionID,
		Timestamp:   g.nowFunc(),
		Persistence: notify.Persisted,
		Data:        data,
	}

	event, err := g.events.Append(ctx, req.SessionID, events.EventType(eventType), payload)
	if err != nil {
		g.logger.Error("approval event append failed, degrading notification",
			"approval_id", req.ID,
			"type", eventType,
			"error", err,
		)
		envelope.Persistence = notify.Failed
	} else {
		seq := event.SequenceNumber
		envelope.EventID = event.ID
		envelope.SequenceNumber = &seq
	}

	g.notifier.Emit(req.SessionID, envelope)
}

// Close stops the sweeper and resolves every remaining waiter as
// rejected so no turn outlives the gate.
func (g *Gate) Close() error {
	g.sweepOnce.Do(func() { close(g.done) })
	select {
	case <-g.stopCh:
	default:
		close(g.stopCh)
	}
	select {
	case <-g.done:
	case <-time.After(5 * time.Second):
	}

	g.mu.Lock()
	ids := make([]string, 0, len(g.waiters))
	for id := range g.waiters {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.resolveWaiter(id, false)
	}
	return nil
}
