package notify

import (
	"log/slog"
	"sync"

	"github.com/juparopi2/agentcore/internal/observability"
)

// Subscription receives envelopes for one session room. C is closed when
// the subscription is cancelled.
type Subscription struct {
	C chan Envelope

	sessionID string
	broker    *Broker
	once      sync.Once
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
	})
}

// Broker is an in-process room fan-out. Emits never block: an envelope
// that does not fit a subscriber's buffer is dropped for that subscriber
// and counted.
type Broker struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscription]struct{}
	logger  *slog.Logger
	metrics *observability.Metrics
	closed  bool
}

// NewBroker creates an in-process notification broker.
func NewBroker(logger *slog.Logger, metrics *observability.Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		rooms:   make(map[string]map[*Subscription]struct{}),
		logger:  logger.With("component", "notify"),
		metrics: metrics,
	}
}

// Subscribe joins a session room. buffer <= 0 defaults to 16.
func (b *Broker) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{
		C:         make(chan Envelope, buffer),
		sessionID: sessionID,
		broker:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	room := b.rooms[sessionID]
	if room == nil {
		room = make(map[*Subscription]struct{})
		b.rooms[sessionID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Emit broadcasts an envelope to every subscriber of the session room.
func (b *Broker) Emit(sessionID string, envelope Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.rooms[sessionID] {
		select {
		case sub.C <- envelope:
		default:
			b.metrics.NotificationDropped()
			b.logger.Debug("dropped notification for slow subscriber",
				"session_id", sessionID, "type", envelope.Type)
		}
	}
}

// Close cancels all subscriptions and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, room := range b.rooms {
		for sub := range room {
			close(sub.C)
		}
	}
	b.rooms = make(map[string]map[*Subscription]struct{})
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if room, ok := b.rooms[sub.sessionID]; ok {
		if _, member := room[sub]; member {
			delete(room, sub)
			close(sub.C)
		}
		if len(room) == 0 {
			delete(b.rooms, sub.sessionID)
		}
	}
}
