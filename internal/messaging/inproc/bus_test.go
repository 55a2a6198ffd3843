package inproc

import (
	"errors"
	"testing"

	"hivewatch/internal/domain"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New(4)
	a := bus.Register("a")
	b := bus.Register("b")

	ev := domain.ChangeEvent{Kind: domain.ChangeExecutionStarted, ExecutionID: "exec-1"}
	if got := bus.Publish(ev); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if got := <-a; got.ExecutionID != "exec-1" {
		t.Fatalf("subscriber a got %+v", got)
	}
	if got := <-b; got.Kind != domain.ChangeExecutionStarted {
		t.Fatalf("subscriber b got %+v", got)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	bus := New(1)
	ch := bus.Register("slow")

	bus.Publish(domain.ChangeEvent{ExecutionID: "first"})
	if got := bus.Publish(domain.ChangeEvent{ExecutionID: "second"}); got != 0 {
		t.Fatalf("expected full queue to drop, delivered=%d", got)
	}
	if got := <-ch; got.ExecutionID != "first" {
		t.Fatalf("expected first event kept, got %s", got.ExecutionID)
	}
}

func TestSendErrors(t *testing.T) {
	bus := New(1)
	if err := bus.Send("missing", domain.ChangeEvent{}); !errors.Is(err, ErrSubscriberNotRegistered) {
		t.Fatalf("expected ErrSubscriberNotRegistered, got %v", err)
	}
	bus.Register("x")
	if err := bus.Send("x", domain.ChangeEvent{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := bus.Send("x", domain.ChangeEvent{}); !errors.Is(err, ErrSubscriberQueueFull) {
		t.Fatalf("expected ErrSubscriberQueueFull, got %v", err)
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	bus := New(1)
	ch := bus.Register("gone")
	bus.Unregister("gone")
	bus.Unregister("gone")

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
