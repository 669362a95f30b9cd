package syncbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Bus over Redis pub/sub. Each key maps to one channel.
type RedisBus struct {
	client redis.UniversalClient
	opts   options
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client redis.UniversalClient, opts ...Option) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   newOptions(opts),
		f:      newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

func (b *RedisBus) channel(key string) string {
	return b.opts.prefix + ":bus:" + key
}

// Publish implements Bus.Publish. The message body is a unique id used only
// for tracing deliveries in logs.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	id := uuid.NewString()
	if err := b.client.Publish(ctx, b.channel(key), id).Err(); err != nil {
		return fmt.Errorf("syncbus: redis publish %s: %w", key, err)
	}
	b.f.published.Add(1)
	b.opts.logger.Debug("crowdlock: bus event published", zap.String("key", key), zap.String("id", id))
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), b.channel(key))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(key, ch)
			return nil, fmt.Errorf("syncbus: redis subscribe %s: %w", key, err)
		}
		b.subs[key] = ps
		go b.dispatch(key, ps)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(key, ch); !last {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.f.closeAll()
	return nil
}
