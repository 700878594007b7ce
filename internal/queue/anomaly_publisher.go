package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/weather-warehouse/internal/protocol"
)

const publishChunk = 100

// BatchPublisher is the part of Producer the anomaly publisher needs.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, messages []kafka.Message) error
}

// AnomalyPublisher publishes anomaly events keyed by sensor id, so all
// events of one sensor land on the same partition in order.
type AnomalyPublisher struct {
	producer BatchPublisher
}

// NewAnomalyPublisher creates a publisher on top of producer.
func NewAnomalyPublisher(producer BatchPublisher) *AnomalyPublisher {
	return &AnomalyPublisher{producer: producer}
}

// Publish sends events in chunks. It stops at the first failed chunk.
func (p *AnomalyPublisher) Publish(ctx context.Context, events []protocol.AnomalyEvent) error {
	batch := make([]kafka.Message, 0, min(len(events), publishChunk))
	for i := range events {
		value, err := protocol.EncodeAnomalyEvent(&events[i])
		if err != nil {
			return fmt.Errorf("failed to encode anomaly event: %w", err)
		}
		batch = append(batch, kafka.Message{Key: []byte(events[i].SensorID), Value: value})

		if len(batch) == publishChunk {
			if err := p.producer.PublishBatch(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		return p.producer.PublishBatch(ctx, batch)
	}
	return nil
}
