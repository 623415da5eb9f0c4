package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/juparopi2/agentcore/internal/observability"
	"github.com/juparopi2/agentcore/internal/ratelimit"
)

// Handler processes one claimed job. Returning an error schedules a
// retry until the lane's attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Config configures queue dispatching.
type Config struct {
	// PollInterval is how often idle lanes check for runnable jobs.
	PollInterval time.Duration

	// WorkersPerLane bounds concurrent handlers per lane.
	WorkersPerLane int

	// Lanes overrides the lane table; nil means DefaultLanes.
	Lanes map[Lane]LaneConfig
}

// DefaultConfig returns sensible dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   250 * time.Millisecond,
		WorkersPerLane: 4,
	}
}

type laneState struct {
	config  LaneConfig
	handler Handler
	paused  bool
}

// Queue is the three-lane durable work queue. Message-persistence
// admission is rate limited per session before anything is written.
type Queue struct {
	store   Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	config  Config
	nowFunc func() time.Time

	mu    sync.Mutex
	lanes map[Lane]*laneState

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a queue with the default lane table.
func New(store Store, limiter *ratelimit.Limiter, config Config, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.WorkersPerLane <= 0 {
		config.WorkersPerLane = DefaultConfig().WorkersPerLane
	}
	if logger == nil {
		logger = slog.Default()
	}

	laneTable := config.Lanes
	if laneTable == nil {
		laneTable = DefaultLanes()
	}
	lanes := make(map[Lane]*laneState)
	for lane, laneConfig := range laneTable {
		lanes[lane] = &laneState{config: laneConfig}
	}

	return &Queue{
		store:   store,
		limiter: limiter,
		logger:  logger.With("component", "queue"),
		metrics: metrics,
		config:  config,
		nowFunc: time.Now,
		lanes:   lanes,
		stopCh:  make(chan struct{}),
	}
}

// SetNowFunc sets a custom time function for testing.
func (q *Queue) SetNowFunc(fn func() time.Time) {
	q.nowFunc = fn
}

// SetTracer attaches span instrumentation to enqueues.
func (q *Queue) SetTracer(tracer *observability.Tracer) {
	q.tracer = tracer
}

// Register installs the handler for a lane. Must be called before Start.
func (q *Queue) Register(lane Lane, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.lanes[lane]
	if !ok {
		return fmt.Errorf("unknown lane %q", lane)
	}
	state.handler = handler
	return nil
}

// Enqueue admits and persists a job, returning its id. For the
// message-persistence lane the session's rate limit is consumed first;
// a rejection returns *ratelimit.LimitError and the job is never
// written.
func (q *Queue) Enqueue(ctx context.Context, lane Lane, sessionID string, payload json.RawMessage) (string, error) {
	ctx, span := q.tracer.Start(ctx, "queue.enqueue",
		attribute.String("queue.lane", string(lane)),
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	q.mu.Lock()
	state, ok := q.lanes[lane]
	q.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown lane %q", lane)
	}

	if lane == LaneMessages && q.limiter != nil {
		status := q.limiter.Admit(ctx, sessionID)
		if !status.WithinLimit {
			q.logger.Warn("enqueue rejected by rate limit",
				"lane", string(lane), "session_id", sessionID, "limit", status.Limit)
			err := &ratelimit.LimitError{SessionID: sessionID, Limit: status.Limit}
			observability.RecordError(span, err)
			return "", err
		}
	}

	now := q.nowFunc()
	job := &Job{
		ID:          uuid.NewString(),
		Lane:        lane,
		SessionID:   sessionID,
		Priority:    state.config.Priority,
		Payload:     payload,
		Status:      StatusQueued,
		MaxAttempts: state.config.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("enqueue on lane %s: %w", lane, err)
	}
	q.metrics.QueueJob(string(lane), "enqueued")
	return job.ID, nil
}

// Start launches one dispatcher per lane. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		for lane := range q.lanes {
			q.wg.Add(1)
			go q.dispatch(ctx, lane)
		}
	})
}

// Pause stops a lane from claiming new jobs. Queued jobs are kept.
func (q *Queue) Pause(lane Lane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state, ok := q.lanes[lane]; ok {
		state.paused = true
	}
}

// Resume re-enables claiming on a paused lane.
func (q *Queue) Resume(lane Lane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state, ok := q.lanes[lane]; ok {
		state.paused = false
	}
}

// Stats reports a lane's job counts.
func (q *Queue) Stats(ctx context.Context, lane Lane) (Stats, error) {
	return q.store.Stats(ctx, lane)
}

// ListFailed returns a lane's dead jobs for inspection.
func (q *Queue) ListFailed(ctx context.Context, lane Lane, limit int) ([]*Job, error) {
	return q.store.ListFailed(ctx, lane, limit)
}

// Close drains in-flight work and releases the store. The context
// bounds how long draining may take.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		close(q.stopCh)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("queue close: %w", ctx.Err())
		}
		if closeErr := q.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// dispatch is one lane's claim loop.
func (q *Queue) dispatch(ctx context.Context, lane Lane) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, q.config.WorkersPerLane)
	var workers sync.WaitGroup
	defer workers.Wait()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			q.mu.Lock()
			state := q.lanes[lane]
			paused := state.paused
			handler := state.handler
			laneConfig := state.config
			q.mu.Unlock()

			if paused || handler == nil {
				break
			}

			select {
			case sem <- struct{}{}:
			case <-q.stopCh:
				return
			}

			job, err := q.store.Claim(ctx, lane, q.nowFunc())
			if err != nil {
				<-sem
				q.logger.Error("claim failed", "lane", string(lane), "error", err)
				break
			}
			if job == nil {
				<-sem
				break
			}

			workers.Add(1)
			go func(job *Job) {
				defer workers.Done()
				defer func() { <-sem }()
				q.run(ctx, laneConfig, job, handler)
			}(job)
		}
	}
}

// run executes one claimed job and writes back its outcome.
func (q *Queue) run(ctx context.Context, laneConfig LaneConfig, job *Job, handler Handler) {
	start := q.nowFunc()
	err := handler(ctx, job)
	q.metrics.ObserveQueueJobDuration(string(job.Lane), q.nowFunc().Sub(start).Seconds())

	if err == nil {
		job.Status = StatusSucceeded
		job.FinishedAt = q.nowFunc()
		job.LastError = ""
		if updateErr := q.store.Update(ctx, job); updateErr != nil {
			q.logger.Error("failed to record job success",
				"lane", string(job.Lane), "job_id", job.ID, "error", updateErr)
		}
		q.metrics.QueueJob(string(job.Lane), "succeeded")
		return
	}

	job.LastError = err.Error()
	if job.Attempt >= job.MaxAttempts {
		// Exhausted: park as failed, inspectable via ListFailed.
		job.Status = StatusFailed
		job.FinishedAt = q.nowFunc()
		q.logger.Error("job failed permanently",
			"lane", string(job.Lane),
			"job_id", job.ID,
			"session_id", job.SessionID,
			"attempt", job.Attempt,
			"error", err,
		)
		q.metrics.QueueJob(string(job.Lane), "failed")
	} else {
		delay := laneConfig.Backoff.Delay(job.Attempt)
		job.Status = StatusDelayed
		job.RunAt = q.nowFunc().Add(delay)
		q.logger.Warn("job failed, retrying",
			"lane", string(job.Lane),
			"job_id", job.ID,
			"attempt", job.Attempt,
			"retry_in", delay,
			"error", err,
		)
		q.metrics.QueueJob(string(job.Lane), "retried")
	}
	if updateErr := q.store.Update(ctx, job); updateErr != nil {
		q.logger.Error("failed to record job outcome",
			"lane", string(job.Lane), "job_id", job.ID, "error", updateErr)
	}
}
