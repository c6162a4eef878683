package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/domain/shockcase"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ArchivePublisher writes archive events to a Kafka topic, keyed by
// Registry ID so every record lands on a stable partition.
type ArchivePublisher struct {
	w MessageWriter
}

// NewArchivePublisher creates a publisher writing to topic on brokers.
func NewArchivePublisher(brokers []string, topic string) *ArchivePublisher {
	return NewArchivePublisherWithWriter(kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}))
}

func NewArchivePublisherWithWriter(w MessageWriter) *ArchivePublisher {
	return &ArchivePublisher{w: w}
}

func (p *ArchivePublisher) NotifyArchived(ctx context.Context, ev shockcase.ArchivedEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode archive event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.RegistryID),
		Value: value,
		Time:  ev.ArchivedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte("registry.case.archived")},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write archive event: %w", err)
	}
	return nil
}

func (p *ArchivePublisher) Close() error {
	return p.w.Close()
}
