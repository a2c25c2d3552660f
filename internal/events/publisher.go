// Package events publishes order lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/domain"
)

type Type string

const (
	OrderForwarded     Type = "order.forwarded"
	OrderPaid          Type = "order.paid"
	OrderPaymentFailed Type = "order.payment_failed"
)

// Event is one lifecycle message, keyed by idempotency key
type Event struct {
	Type           Type               `json:"type"`
	IdempotencyKey string             `json:"idempotency_key"`
	OrderID        string             `json:"order_id,omitempty"`
	OrderNumber    *string            `json:"order_number"`
	Status         domain.OrderStatus `json:"status,omitempty"`
	GrandTotal     float64            `json:"grand_total,omitempty"`
	Currency       string             `json:"currency,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// ForwardedEvent describes a forwarded canonical order
func ForwardedEvent(doc *domain.CanonicalOrder, now time.Time) Event {
	return Event{
		Type:           OrderForwarded,
		IdempotencyKey: doc.IdempotencyKey,
		OrderID:        doc.Order.OrderID,
		OrderNumber:    doc.Order.OrderNumber,
		Status:         doc.Order.Status,
		GrandTotal:     doc.Order.Totals.GrandTotal,
		Currency:       doc.Order.Currency,
		OccurredAt:     now.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// New returns a Kafka publisher, or a no-op one when no brokers are configured
func New(cfg config.KafkaConfig, logger *zap.Logger) Publisher {
	if len(cfg.Brokers) == 0 {
		logger.Info("Kafka brokers not configured, order events disabled")
		return Nop{}
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic, logger)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.IdempotencyKey),
		Value: msg,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	k.logger.Debug("Published order event", zap.String("type", string(event.Type)), zap.String("idempotency_key", event.IdempotencyKey))
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
