package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	var s *server.Server
	addr := os.Getenv("CROWDLOCK_TEST_NATS_ADDR")
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn)
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, ProjectKey("3"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, ProjectKey("3")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectEvent(t, ch, 2*time.Second)
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus := newNATSBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, ch)
	bus.mu.Lock()
	_, ok := bus.subs["k"]
	bus.mu.Unlock()
	if ok {
		t.Fatal("nats subscription should be dropped with the last subscriber")
	}
}
