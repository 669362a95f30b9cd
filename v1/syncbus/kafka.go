package syncbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KafkaBus implements Bus with one Kafka topic per key. Only partition 0 is
// consumed, starting from the newest offset.
type KafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	opts     options
	f        *fanout

	mu   sync.Mutex
	subs map[string]sarama.PartitionConsumer
}

// NewKafkaBus connects to brokers. A nil cfg uses sarama defaults.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...Option) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("syncbus: kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka consumer: %w", err)
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		opts:     newOptions(opts),
		f:        newFanout(),
		subs:     make(map[string]sarama.PartitionConsumer),
	}, nil
}

var topicReplacer = strings.NewReplacer(":", ".", "/", "_", " ", "_")

// topic maps key to a legal Kafka topic name.
func (b *KafkaBus) topic(key string) string {
	return topicReplacer.Replace(b.opts.prefix + ".bus." + key)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := uuid.NewString()
	msg := &sarama.ProducerMessage{
		Topic: b.topic(key),
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(id),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("syncbus: kafka publish %s: %w", key, err)
	}
	b.f.published.Add(1)
	b.opts.logger.Debug("crowdlock: bus event published", zap.String("key", key), zap.String("id", id))
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		pc, err := b.consumer.ConsumePartition(b.topic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.f.remove(key, ch)
			return nil, fmt.Errorf("syncbus: kafka subscribe %s: %w", key, err)
		}
		b.subs[key] = pc
		go b.dispatch(key, pc)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(key string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		b.f.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(key, ch); !last {
		return nil
	}
	pc := b.subs[key]
	delete(b.subs, key)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close releases the producer, the consumers and the client.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for key, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.f.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}
