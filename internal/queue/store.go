package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists jobs. Claim must hand each runnable job to exactly one
// claimer even with concurrent workers across processes.
type Store interface {
	// Enqueue persists a new job.
	Enqueue(ctx context.Context, job *Job) error

	// Claim atomically takes the next runnable job in a lane (queued or
	// delayed with run_at due), marks it running, and increments its
	// attempt counter. Returns nil when no job is runnable.
	Claim(ctx context.Context, lane Lane, now time.Time) (*Job, error)

	// Update writes back a job's mutable fields (status, timestamps,
	// attempt, last error, run_at).
	Update(ctx context.Context, job *Job) error

	// Get returns a job by id, or nil when absent.
	Get(ctx context.Context, id string) (*Job, error)

	// Stats counts a lane's jobs by state.
	Stats(ctx context.Context, lane Lane) (Stats, error)

	// ListFailed returns jobs that exhausted their attempts, newest first.
	ListFailed(ctx context.Context, lane Lane, limit int) ([]*Job, error)

	// Close releases underlying resources.
	Close() error
}

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore returns a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Enqueue persists a new job.
func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Claim takes the next runnable job in a lane.
func (s *MemoryStore) Claim(ctx context.Context, lane Lane, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, job := range s.jobs {
		if job.Lane != lane {
			continue
		}
		runnable := job.Status == StatusQueued ||
			(job.Status == StatusDelayed && !job.RunAt.After(now))
		if runnable {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].RunAt.Before(candidates[j].RunAt)
	})

	job := candidates[0]
	job.Status = StatusRunning
	job.Attempt++
	job.StartedAt = now
	clone := *job
	return &clone, nil
}

// Update writes back a job's mutable fields.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &clone, nil
}

// Stats counts a lane's jobs by state.
func (s *MemoryStore) Stats(ctx context.Context, lane Lane) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Lane: lane}
	for _, job := range s.jobs {
		if job.Lane != lane {
			continue
		}
		switch job.Status {
		case StatusQueued:
			stats.Waiting++
		case StatusRunning:
			stats.Active++
		case StatusSucceeded:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDelayed:
			stats.Delayed++
		}
	}
	return stats, nil
}

// ListFailed returns failed jobs, newest first.
func (s *MemoryStore) ListFailed(ctx context.Context, lane Lane, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Job
	for _, job := range s.jobs {
		if job.Lane == lane && job.Status == StatusFailed {
			clone := *job
			failed = append(failed, &clone)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].FinishedAt.After(failed[j].FinishedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
