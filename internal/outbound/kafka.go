package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/model"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every outbound event to one topic. Messages are keyed
// by venue so a partition carries each venue's events in publish order.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	batch := time.Duration(cfg.BatchTimeoutMs) * time.Millisecond
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batch,
	})
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (k *KafkaSink) Deliver(ctx context.Context, ev model.OutboundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Venue),
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
