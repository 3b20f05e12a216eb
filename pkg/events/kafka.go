package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes event batches to a Kafka topic with acks disabled:
// the bus being down costs nothing but the events.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink connects a sink to brokers for topic. Messages are keyed by
// fingerprint so one URL's events land in one partition.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireNone,
			WriteTimeout:           5 * time.Second,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish marshals and writes the batch in one producer call.
func (s *KafkaSink) Publish(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue // a single bad event never sinks the batch
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.Fingerprint), Value: payload})
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

// Close shuts down the producer.
func (s *KafkaSink) Close() error { return s.writer.Close() }
