package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fills a Cache on misses, collapsing concurrent loads of the same key
// into a single call.
type Loader[T any] struct {
	cache Cache[T]
	ttl   time.Duration
	group singleflight.Group
}

// NewLoader returns a Loader storing loaded values for ttl.
func NewLoader[T any](c Cache[T], ttl time.Duration) *Loader[T] {
	return &Loader[T]{cache: c, ttl: ttl}
}

// Load returns the cached value for key or calls fn to produce it. Errors of
// fn are returned and nothing is cached.
func (l *Loader[T]) Load(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	if v, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return v, nil
	}
	v, err, _ := l.group.Do(key, func() (any, error) {
		val, err := fn(ctx)
		if err != nil {
			return val, err
		}
		// a failed write only costs a reload on the next request
		_ = l.cache.Set(ctx, key, val, l.ttl)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	val, _ := v.(T)
	return val, nil
}

// Forget drops key from the cache and from any in-flight load.
func (l *Loader[T]) Forget(ctx context.Context, key string) error {
	l.group.Forget(key)
	return l.cache.Invalidate(ctx, key)
}
