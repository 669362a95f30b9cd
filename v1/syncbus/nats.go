package syncbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus implements Bus over core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	opts options
	f    *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a NATSBus using conn.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	return &NATSBus{
		conn: conn,
		opts: newOptions(opts),
		f:    newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.opts.prefix + ".bus." + key
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := uuid.NewString()
	if err := b.conn.Publish(b.subject(key), []byte(id)); err != nil {
		return fmt.Errorf("syncbus: nats publish %s: %w", key, err)
	}
	b.f.published.Add(1)
	b.opts.logger.Debug("crowdlock: bus event published", zap.String("key", key), zap.String("id", id))
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		sub, err := b.conn.Subscribe(b.subject(key), func(*nats.Msg) { b.f.deliver(key) })
		if err == nil {
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.f.remove(key, ch)
			return nil, fmt.Errorf("syncbus: nats subscribe %s: %w", key, err)
		}
		b.subs[key] = sub
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(key, ch); !last {
		return nil
	}
	sub := b.subs[key]
	delete(b.subs, key)
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
