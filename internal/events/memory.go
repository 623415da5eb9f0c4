package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps events in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]*Event
	byID      map[string]*Event
	sequences map[string]map[int64]bool
}

// NewMemoryStore returns a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string][]*Event),
		byID:      make(map[string]*Event),
		sequences: make(map[string]map[int64]bool),
	}
}

// Insert persists an event, rejecting sequence collisions.
func (s *MemoryStore) Insert(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := s.sequences[event.SessionID]
	if taken == nil {
		taken = make(map[int64]bool)
		s.sequences[event.SessionID] = taken
	}
	if taken[event.SequenceNumber] {
		return fmt.Errorf("insert event: sequence %d already taken for session %s",
			event.SequenceNumber, event.SessionID)
	}
	taken[event.SequenceNumber] = true

	stored := *event
	s.bySession[event.SessionID] = append(s.bySession[event.SessionID], &stored)
	s.byID[event.ID] = &stored
	return nil
}

// MarkProcessed flips the processed flag. Unknown IDs are ignored.
func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event, ok := s.byID[eventID]; ok {
		event.Processed = true
	}
	return nil
}

// ListAfter returns session events with sequence > afterSeq in ascending order.
func (s *MemoryStore) ListAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, event := range s.bySession[sessionID] {
		if event.SequenceNumber > afterSeq {
			result = append(result, *event)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
