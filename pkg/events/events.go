// Package events publishes settlement outcomes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// BatchSettled is emitted once per settlement attempt that reached the
// applier. Applied counts the prefix of Fills that was applied.
type BatchSettled struct {
	BatchID   string      `json:"batchId"`
	Market    string      `json:"market"`
	Digest    string      `json:"digest"`
	Fills     order.Batch `json:"fills"`
	Applied   int         `json:"applied"`
	Rejection string      `json:"rejection,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher delivers settlement events.
type Publisher interface {
	PublishBatch(ctx context.Context, ev BatchSettled) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by market, so every market's
// events stay ordered within one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishBatch(ctx context.Context, ev BatchSettled) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish batch %s: %w", ev.BatchID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(ev BatchSettled) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal batch event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Market),
		Value: value,
		Time:  time.Unix(ev.Timestamp, 0),
	}, nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishBatch(context.Context, BatchSettled) error { return nil }
func (Nop) Close() error                                     { return nil }

// Recorder keeps events in memory. Useful in tests and for a node without
// a broker.
type Recorder struct {
	mu     sync.Mutex
	events []BatchSettled
}

func (r *Recorder) PublishBatch(_ context.Context, ev BatchSettled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []BatchSettled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BatchSettled(nil), r.events...)
}
