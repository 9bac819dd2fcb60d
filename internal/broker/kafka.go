package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka/Redpanda producer.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
}

// Kafka publishes to a Kafka-compatible cluster with franz-go. Records are
// keyed by alert id so consumers can discard duplicates.
type Kafka struct {
	client *kgo.Client
	mu     sync.RWMutex
	closed bool
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("broker: at least one broker address is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(cfg.WriteTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: create kafka client: %w", err)
	}
	return &Kafka{client: client}, nil
}

// Publish produces one record and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, topic string, key string, value []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("broker: produce to %s: %w", topic, err)
	}
	return nil
}

// Ping checks connectivity to the seed brokers.
func (k *Kafka) Ping(ctx context.Context) error {
	if err := k.client.Ping(ctx); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	k.client.Close()
	return nil
}
