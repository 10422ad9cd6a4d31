package pulseopt

import (
	"testing"
	"time"
)

func TestEventBusFilteredSubscription(t *testing.T) {
	bus := NewEventBus(8)
	sub := bus.Subscribe(EventAnalysisCompleted)
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(EventMetricRecorded, nil)
	bus.Publish(EventAnalysisCompleted, "payload")

	select {
	case ev := <-sub.C():
		if ev.Type != EventAnalysisCompleted {
			t.Errorf("received %s, want analysis-completed", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("event timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}

	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestEventBusUnfilteredSubscription(t *testing.T) {
	bus := NewEventBus(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(EventMetricRecorded, nil)
	bus.Publish(EventDestroyed, nil)

	for _, want := range []EventType{EventMetricRecorded, EventDestroyed} {
		select {
		case ev := <-sub.C():
			if ev.Type != want {
				t.Errorf("got %s, want %s", ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(2)
	sub := bus.Subscribe(EventMetricRecorded)
	defer bus.Unsubscribe(sub.ID)

	// Publish past the buffer depth; the bus must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(EventMetricRecorded, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(sub.ch); got != 2 {
		t.Errorf("buffered events = %d, want 2", got)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(8)
	sub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", bus.SubscriberCount())
	}

	bus.Unsubscribe(sub.ID)
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count after unsubscribe = %d, want 0", bus.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(EventMetricRecorded, nil)

	if _, open := <-sub.C(); open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestEventBusCloseIdempotent(t *testing.T) {
	bus := NewEventBus(8)
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()
	sub.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers remain after close: %d", bus.SubscriberCount())
	}
}
