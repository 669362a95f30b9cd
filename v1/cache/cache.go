package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-crowdlock/v1/cache")

// Cache stores values with a TTL.
type Cache[T any] interface {
	// Get returns the value for key; the boolean reports a hit.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores value for ttl. A non-positive ttl never expires.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes key.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an LRU cache with per-entry expiry.
type InMemoryCache[T any] struct {
	mu            sync.Mutex
	items         map[string]*list.Element
	order         *list.List
	maxEntries    int
	sweepInterval time.Duration
	now           func() time.Time
	hits          atomic.Uint64
	misses        atomic.Uint64
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithMaxEntries bounds the number of entries. Non-positive means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.maxEntries = n }
}

// WithSweepInterval sets how often expired entries are dropped. A
// non-positive interval disables the sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.sweepInterval = d }
}

// WithClock overrides the clock used for expiry.
func WithClock[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.now = now }
}

// WithMetrics registers hit, miss and eviction counters on reg.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdlock_candidate_cache_hits_total",
			Help: "Total number of candidate cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdlock_candidate_cache_misses_total",
			Help: "Total number of candidate cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdlock_candidate_cache_evictions_total",
			Help: "Total number of candidate cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry spans.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.traceEnabled = true }
}

const defaultSweepInterval = time.Minute

// NewInMemory returns an InMemoryCache. Call Close to stop the sweeper.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]*list.Element),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

func (c *InMemoryCache[T]) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("crowdlock.cache.key", key))
	return ctx, span
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	_, span := c.span(ctx, "Cache.Get", key)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		e := el.Value.(*entry[T])
		if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
			c.removeLocked(el)
			ok = false
		} else {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			c.hits.Add(1)
			inc(c.hitCounter)
			span.SetAttributes(attribute.String("crowdlock.cache.result", "hit"))
			return e.value, true, nil
		}
	}
	c.mu.Unlock()
	c.misses.Add(1)
	inc(c.missCounter)
	span.SetAttributes(attribute.String("crowdlock.cache.result", "miss"))
	return zero, false, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	_, span := c.span(ctx, "Cache.Set", key)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		e.value, e.expiresAt = value, exp
		c.order.MoveToFront(el)
		return nil
	}
	c.items[key] = c.order.PushFront(&entry[T]{key: key, value: value, expiresAt: exp})
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Back())
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	_, span := c.span(ctx, "Cache.Invalidate", key)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache[T]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[T])
	c.order.Remove(el)
	delete(c.items, e.key)
	inc(c.evictionCounter)
}

// sweep drops every expired entry and returns how many were removed.
func (c *InMemoryCache[T]) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[T])
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper and drops every entry.
func (c *InMemoryCache[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.mu.Lock()
		c.items = make(map[string]*list.Element)
		c.order.Init()
		c.mu.Unlock()
	})
}

// Stats reports basic usage counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns the current usage counters.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}
