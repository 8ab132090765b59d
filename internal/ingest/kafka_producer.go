package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/city-dispatch/internal/models"
)

// LocationProducer streams vehicle position fixes to Kafka, keyed by vehicle
// id so one vehicle's updates stay in order on a partition.
type LocationProducer struct {
	writer *kafka.Writer
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationProducer{writer: w}
}

// Publish writes one fix with a short deadline; the HTTP path treats the
// stream as best-effort and only logs failures.
func (p *LocationProducer) Publish(ctx context.Context, pos models.VehiclePosition) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(pos.VehicleID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
