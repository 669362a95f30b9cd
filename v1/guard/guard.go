// Package guard records which tasks were offered to which workers so that
// answers can only be accepted for tasks that were actually handed out.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

// DefaultPrefix namespaces the stamp keys.
const DefaultPrefix = "crowdlock"

// Store is the subset of the lock store used by Guard.
type Store interface {
	SetEx(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Guard stamps offers in the shared store. Stamps expire with the task
// timeout of their project.
type Guard struct {
	store  Store
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(g *Guard) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

// WithClock overrides the clock used for presented and cancelled stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns a Guard over store.
func New(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, prefix: DefaultPrefix, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) key(taskID, holderID, kind string) string {
	return fmt.Sprintf("%s:offer:task:%s:holder:%s:%s", g.prefix, taskID, holderID, kind)
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return task.DefaultTimeout
	}
	return ttl
}

// Stamp records that taskID was offered to holderID.
func (g *Guard) Stamp(ctx context.Context, taskID, holderID string, ttl time.Duration) error {
	return g.store.SetEx(ctx, g.key(taskID, holderID, "offered"), "1", ttlOrDefault(ttl))
}

// CheckTaskStamped reports whether taskID was offered to holderID. The stamp
// is refreshed on every offer, so answers are gated on it.
func (g *Guard) CheckTaskStamped(ctx context.Context, taskID, holderID string) (bool, error) {
	return g.store.Exists(ctx, g.key(taskID, holderID, "offered"))
}

// StampPresentedTime records the time the task was shown to the holder and
// returns it.
func (g *Guard) StampPresentedTime(ctx context.Context, taskID, holderID string, ttl time.Duration) (time.Time, error) {
	at := g.now().UTC()
	err := g.store.SetEx(ctx, g.key(taskID, holderID, "presented"), at.Format(time.RFC3339Nano), ttlOrDefault(ttl))
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// CheckTaskPresentTimestamp reports whether a presented stamp exists. The
// stamp anchors the countdown shown to the worker and is not refreshed by
// later offers of the same task.
func (g *Guard) CheckTaskPresentTimestamp(ctx context.Context, taskID, holderID string) (bool, error) {
	return g.store.Exists(ctx, g.key(taskID, holderID, "presented"))
}

// RetrievePresentedTimestamp returns the presented time, if any.
func (g *Guard) RetrievePresentedTimestamp(ctx context.Context, taskID, holderID string) (time.Time, bool, error) {
	return g.timestamp(ctx, g.key(taskID, holderID, "presented"))
}

// StampCancelled marks the offer of taskID to holderID as cancelled.
func (g *Guard) StampCancelled(ctx context.Context, taskID, holderID string, ttl time.Duration) error {
	at := g.now().UTC()
	return g.store.SetEx(ctx, g.key(taskID, holderID, "cancelled"), at.Format(time.RFC3339Nano), ttlOrDefault(ttl))
}

// RetrieveCancelledTimestamp returns the time the offer was cancelled, if it
// was.
func (g *Guard) RetrieveCancelledTimestamp(ctx context.Context, taskID, holderID string) (time.Time, bool, error) {
	return g.timestamp(ctx, g.key(taskID, holderID, "cancelled"))
}

// RemoveCancelledTimestamp clears the cancel marker.
func (g *Guard) RemoveCancelledTimestamp(ctx context.Context, taskID, holderID string) error {
	return g.store.Del(ctx, g.key(taskID, holderID, "cancelled"))
}

// Invalidate removes the offered and presented stamps so the same offer
// cannot be answered twice.
func (g *Guard) Invalidate(ctx context.Context, taskID, holderID string) error {
	return g.store.Del(ctx, g.key(taskID, holderID, "offered"), g.key(taskID, holderID, "presented"))
}

func (g *Guard) timestamp(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := g.store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// unreadable stamps still count as present
		g.logger.Warn("crowdlock: malformed stamp", zap.String("key", key), zap.String("value", v))
		return time.Time{}, true, nil
	}
	return at, true, nil
}
