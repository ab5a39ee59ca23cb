package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// LifecycleEvent is one completed version transition, published after the
// triggering message is acknowledged.
type LifecycleEvent struct {
	Action    string    `json:"action"`
	Dataset   string    `json:"dataset"`
	VersionID string    `json:"version-id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes version lifecycle events to interested consumers.
// Delivery is best effort: the worker logs a failed publish and moves on,
// the catalog state is never held hostage to the event stream.
type Notifier interface {
	Notify(ctx context.Context, event LifecycleEvent) error
	Close() error
}

// KafkaNotifier writes lifecycle events to a Kafka topic. Events are keyed
// by version id so each version's transitions land on one partition in
// order.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// Compile-time check that KafkaNotifier implements Notifier.
var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a notifier publishing to the given brokers and
// topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Notify publishes a single lifecycle event.
func (n *KafkaNotifier) Notify(ctx context.Context, event LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding lifecycle event: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.VersionID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing lifecycle event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
