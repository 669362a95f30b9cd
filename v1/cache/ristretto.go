package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache on top of dgraph-io/ristretto.
type RistrettoCache[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption[T any] func(*ristretto.Config, *RistrettoCache[T])

// WithMaxCost bounds the total cost held by the cache.
func WithMaxCost[T any](maxCost int64) RistrettoOption[T] {
	return func(cfg *ristretto.Config, _ *RistrettoCache[T]) {
		if maxCost > 0 {
			cfg.MaxCost = maxCost
			cfg.NumCounters = maxCost * 10
		}
	}
}

// WithCost sets the function computing the cost of a value. Values cost 1
// by default.
func WithCost[T any](fn func(T) int64) RistrettoOption[T] {
	return func(_ *ristretto.Config, r *RistrettoCache[T]) {
		if fn != nil {
			r.cost = fn
		}
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption[T]) (*RistrettoCache[T], error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	}
	r := &RistrettoCache[T]{cost: func(T) int64 { return 1 }}
	for _, opt := range opts {
		opt(cfg, r)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	r.c = rc
	return r, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	return val, ok, nil
}

// Set implements Cache.Set. Ristretto may drop writes under contention,
// which is reported as success.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	r.c.SetWithTTL(key, value, r.cost(value), ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
