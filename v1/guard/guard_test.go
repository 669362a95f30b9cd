package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newGuard(t *testing.T) (*Guard, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(adapter.NewRedisLockStore(client), WithClock(clock.Now)), mr, clock
}

func TestStampAndCheck(t *testing.T) {
	g, mr, _ := newGuard(t)
	ctx := context.Background()
	if ok, err := g.CheckTaskStamped(ctx, "1", "u"); err != nil || ok {
		t.Fatalf("expected no stamp, ok %v err %v", ok, err)
	}
	if err := g.Stamp(ctx, "1", "u", time.Minute); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if ok, _ := g.CheckTaskStamped(ctx, "1", "u"); !ok {
		t.Fatal("expected stamp")
	}
	if ttl := mr.TTL("crowdlock:offer:task:1:holder:u:offered"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if ok, _ := g.CheckTaskStamped(ctx, "1", "other"); ok {
		t.Fatal("stamps are per holder")
	}
}

func TestPresentedTimestamp(t *testing.T) {
	g, mr, clock := newGuard(t)
	ctx := context.Background()
	at, err := g.StampPresentedTime(ctx, "1", "u", 0)
	if err != nil {
		t.Fatalf("stamp presented: %v", err)
	}
	if !at.Equal(clock.t) {
		t.Fatalf("expected %v, got %v", clock.t, at)
	}
	if ttl := mr.TTL("crowdlock:offer:task:1:holder:u:presented"); ttl != time.Hour {
		t.Fatalf("expected default ttl, got %v", ttl)
	}
	if ok, _ := g.CheckTaskPresentTimestamp(ctx, "1", "u"); !ok {
		t.Fatal("expected presented stamp")
	}
	got, ok, err := g.RetrievePresentedTimestamp(ctx, "1", "u")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("retrieve: got %v ok %v err %v", got, ok, err)
	}
	mr.FastForward(time.Hour)
	if ok, _ := g.CheckTaskPresentTimestamp(ctx, "1", "u"); ok {
		t.Fatal("presented stamp should expire with the task timeout")
	}
}

func TestCancelMarker(t *testing.T) {
	g, _, clock := newGuard(t)
	ctx := context.Background()
	if _, ok, _ := g.RetrieveCancelledTimestamp(ctx, "1", "u"); ok {
		t.Fatal("unexpected cancel marker")
	}
	if err := g.StampCancelled(ctx, "1", "u", time.Minute); err != nil {
		t.Fatalf("stamp cancelled: %v", err)
	}
	at, ok, err := g.RetrieveCancelledTimestamp(ctx, "1", "u")
	if err != nil || !ok || !at.Equal(clock.t) {
		t.Fatalf("retrieve cancelled: %v %v %v", at, ok, err)
	}
	if err := g.RemoveCancelledTimestamp(ctx, "1", "u"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := g.RetrieveCancelledTimestamp(ctx, "1", "u"); ok {
		t.Fatal("cancel marker should be removed")
	}
}

func TestInvalidateRemovesOfferStamps(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	_ = g.Stamp(ctx, "1", "u", time.Minute)
	_, _ = g.StampPresentedTime(ctx, "1", "u", time.Minute)
	if err := g.Invalidate(ctx, "1", "u"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if ok, _ := g.CheckTaskStamped(ctx, "1", "u"); ok {
		t.Fatal("offered stamp should be gone")
	}
	if ok, _ := g.CheckTaskPresentTimestamp(ctx, "1", "u"); ok {
		t.Fatal("presented stamp should be gone")
	}
}

func TestMalformedStampCountsAsPresent(t *testing.T) {
	g, mr, _ := newGuard(t)
	_ = mr.Set("crowdlock:offer:task:1:holder:u:presented", "garbage")
	_, ok, err := g.RetrievePresentedTimestamp(context.Background(), "1", "u")
	if err != nil || !ok {
		t.Fatalf("expected present stamp, ok %v err %v", ok, err)
	}
}

func TestStoreDown(t *testing.T) {
	g, mr, _ := newGuard(t)
	mr.Close()
	_, err := g.CheckTaskPresentTimestamp(context.Background(), "1", "u")
	if !errors.Is(err, crowderrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
