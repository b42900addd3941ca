package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/field-dispatch/internal/tracking"
)

// TrackingEventWriter copies tracking events to a Kafka topic for
// downstream consumers. Writes are asynchronous so publication never
// waits on the broker; failures surface through the logger.
type TrackingEventWriter struct {
	writer *kafka.Writer
}

func NewTrackingEventWriter(brokers []string, topic string, logger *slog.Logger) *TrackingEventWriter {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn("tracking event write failed", "detail", fmt.Sprintf(msg, args...))
		}),
	})
	return &TrackingEventWriter{writer: w}
}

func (t *TrackingEventWriter) Publish(ctx context.Context, e tracking.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RequestID), Value: b})
}

func (t *TrackingEventWriter) Close() error {
	if t.writer == nil {
		return nil
	}
	return t.writer.Close()
}
