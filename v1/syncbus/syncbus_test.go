package syncbus

import (
	"context"
	"testing"
	"time"
)

func expectEvent(t *testing.T, ch chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event")
		}
	case <-time.After(within):
		t.Fatal("timeout waiting for event")
	}
}

func expectClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestInMemoryPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, ProjectKey("1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "project:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectEvent(t, ch, time.Second)

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryPublishCoalescesBursts(t *testing.T) {
	bus := NewInMemoryBus()
	ch, _ := bus.Subscribe(context.Background(), "k")
	for i := 0; i < 5; i++ {
		_ = bus.Publish(context.Background(), "k")
	}
	expectEvent(t, ch, time.Second)
	select {
	case <-ch:
		t.Fatal("burst should be coalesced into one pending event")
	default:
	}
}

func TestInMemoryContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, ch)
	if err := bus.Unsubscribe(context.Background(), "k", ch); err != nil {
		t.Fatalf("second unsubscribe should be a no-op: %v", err)
	}
}

func TestInMemoryUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "k")
	b, _ := bus.Subscribe(ctx, "k")
	if err := bus.Unsubscribe(ctx, "k", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	expectClosed(t, a)
	_ = bus.Publish(ctx, "k")
	expectEvent(t, b, time.Second)
}
