package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func TestInMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Unix(0, 0)}
	c := NewInMemory[string](WithClock[string](clock.Now), WithSweepInterval[string](0))
	defer c.Close()

	if err := c.Set(ctx, "foo", "bar", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := c.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("expected bar, got %v ok %v err %v", v, ok, err)
	}
	clock.t = clock.t.Add(time.Second)
	if _, ok, _ := c.Get(ctx, "foo"); ok {
		t.Fatal("expected key to expire")
	}
	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 || m.Size != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestInMemoryCacheLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory[int](WithMaxEntries[int](2), WithSweepInterval[int](0))
	defer c.Close()
	_ = c.Set(ctx, "a", 1, 0)
	_ = c.Set(ctx, "b", 2, 0)
	_, _, _ = c.Get(ctx, "a")
	_ = c.Set(ctx, "c", 3, 0)
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Fatal("least recently used key should be evicted")
	}
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Fatal("recently used key should survive")
	}
}

func TestInMemoryCacheSweep(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Unix(0, 0)}
	c := NewInMemory[string](WithClock[string](clock.Now), WithSweepInterval[string](0))
	defer c.Close()
	_ = c.Set(ctx, "short", "x", time.Second)
	_ = c.Set(ctx, "long", "y", time.Hour)
	clock.t = clock.t.Add(2 * time.Second)
	if n := c.sweep(); n != 1 {
		t.Fatalf("expected one swept entry, got %d", n)
	}
	if c.Metrics().Size != 1 {
		t.Fatalf("unexpected size %d", c.Metrics().Size)
	}
}

func TestInMemoryCacheInvalidateAndMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c := NewInMemory[string](WithMetrics[string](reg), WithTracing[string]())
	defer c.Close()
	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after invalidate")
	}
	mfs, err := reg.Gather()
	if err != nil || len(mfs) != 3 {
		t.Fatalf("expected 3 metric families, got %d err %v", len(mfs), err)
	}
}

func TestInMemoryCacheCanceledContext(t *testing.T) {
	c := NewInMemory[string](WithSweepInterval[string](0))
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Set(ctx, "a", "b", time.Minute); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
