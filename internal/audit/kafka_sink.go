package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"session-service/internal/models"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events keyed by identity so one identity stays ordered.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, e models.SecurityEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := e.Identity
	if key == "" {
		key = e.EventID
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), payload, map[string]string{
		"event_type": e.EventType,
		"outcome":    e.Outcome,
	})
}
