package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/pkg/config"
)

const (
	headerEventID   = "event-id"
	headerEventType = "event-type"
)

// Producer is satisfied by the traced kafka writer.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that injects the trace context into
// message headers.
func NewKafkaWriter(cfg config.KafkaConfig, clientID string) (Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	base := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(otel.GetTextMapPropagator()),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.Topic),
				attribute.String("messaging.kafka.client_id", clientID),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka writer: %w", err)
	}
	return writer, nil
}

// eventMessage is the value written for every outbox event.
type eventMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaPublisher writes outbox events keyed by order id, so every event of
// one order lands on the same partition in write order.
type KafkaPublisher struct {
	producer Producer
}

func NewKafkaPublisher(producer Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []domain.OrderEvent) error {
	for _, e := range events {
		msg, err := newMessage(e)
		if err != nil {
			return err
		}
		// One message per call keeps a span per event.
		if err := p.producer.WriteMessage(ctx, msg); err != nil {
			return fmt.Errorf("publish event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func newMessage(e domain.OrderEvent) (kafka.Message, error) {
	value, err := json.Marshal(eventMessage{
		ID:        e.ID,
		Type:      string(e.Type),
		OrderID:   e.OrderID,
		CreatedAt: e.CreatedAt,
		Payload:   e.Payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	return kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(e.ID)},
			{Key: headerEventType, Value: []byte(e.Type)},
		},
	}, nil
}
