package notify

import (
	"testing"
	"time"
)

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, nil)
	defer broker.Close()

	a := broker.Subscribe("s1", 4)
	b := broker.Subscribe("s1", 4)
	other := broker.Subscribe("s2", 4)

	broker.Emit("s1", Envelope{Type: "approval_requested", SessionID: "s1"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case envelope := <-sub.C:
			if envelope.Type != "approval_requested" {
				t.Fatalf("%s: unexpected envelope %+v", name, envelope)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no envelope received", name)
		}
	}

	select {
	case envelope := <-other.C:
		t.Fatalf("s2 subscriber should receive nothing, got %+v", envelope)
	default:
	}
}

func TestBrokerDropsOnFullBuffer(t *testing.T) {
	broker := NewBroker(nil, nil)
	defer broker.Close()

	sub := broker.Subscribe("s1", 1)
	broker.Emit("s1", Envelope{Type: "first"})
	broker.Emit("s1", Envelope{Type: "second"}) // dropped, buffer full

	envelope := <-sub.C
	if envelope.Type != "first" {
		t.Fatalf("expected first envelope, got %+v", envelope)
	}
	select {
	case envelope := <-sub.C:
		t.Fatalf("expected second envelope to be dropped, got %+v", envelope)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	broker := NewBroker(nil, nil)
	defer broker.Close()

	sub := broker.Subscribe("s1", 4)
	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.C; ok {
		t.Fatal("expected channel to be closed")
	}

	// Emitting to a room with no subscribers is a no-op.
	broker.Emit("s1", Envelope{Type: "ignored"})
}

func TestBrokerClose(t *testing.T) {
	broker := NewBroker(nil, nil)
	sub := broker.Subscribe("s1", 4)

	broker.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("expected subscription channel closed on broker close")
	}

	late := broker.Subscribe("s1", 4)
	if _, ok := <-late.C; ok {
		t.Fatal("expected post-close subscription to be closed immediately")
	}
}
