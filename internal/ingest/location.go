package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/field-dispatch/internal/models"
)

var ErrInvalidPing = errors.New("invalid location ping")

// LocationPing is a technician position report on the location topic.
// Messages are keyed by technician so one technician's pings stay ordered
// within a partition.
type LocationPing struct {
	TechnicianID string       `json:"technician_id"`
	Position     models.Coord `json:"position"`
	Online       bool         `json:"online"`
	At           time.Time    `json:"at"`
}

func PingFrom(t models.Technician) LocationPing {
	p := LocationPing{TechnicianID: t.ID, Online: t.Online, At: t.Updated}
	if t.Position != nil {
		p.Position = *t.Position
	}
	return p
}

func DecodePing(b []byte) (LocationPing, error) {
	var p LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return LocationPing{}, fmt.Errorf("%w: %v", ErrInvalidPing, err)
	}
	if p.TechnicianID == "" || !p.Position.Valid() {
		return LocationPing{}, ErrInvalidPing
	}
	return p, nil
}

type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &LocationProducer{writer: w}
}

func (k *LocationProducer) PublishPing(ctx context.Context, p LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.TechnicianID), Value: b})
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
