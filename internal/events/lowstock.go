// Package events publishes inventory events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const LowStockEventType = "inventory.low_stock"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LowStockEvent is the payload written to the low-stock topic.
type LowStockEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	TenantID    int64     `json:"tenant_id"`
	ProductID   int64     `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"`
	Remaining   int       `json:"remaining"`
	Threshold   int       `json:"threshold"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type LowStockPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds a writer that keys messages by product, so events
// for one product stay ordered on one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewLowStockPublisher(writer MessageWriter, topic string) *LowStockPublisher {
	return &LowStockPublisher{writer: writer, topic: topic}
}

func (p *LowStockPublisher) Name() string { return "kafka" }

func (p *LowStockPublisher) SendLowStockAlert(ctx context.Context, alert domain.LowStockAlert) error {
	event := LowStockEvent{
		EventID:     uuid.NewString(),
		Type:        LowStockEventType,
		TenantID:    alert.TenantID,
		ProductID:   alert.ProductID,
		ProductName: alert.ProductName,
		Remaining:   alert.Remaining,
		Threshold:   alert.Threshold,
		OccurredAt:  alert.At,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal low-stock event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d:%d", alert.TenantID, alert.ProductID)),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(LowStockEventType)},
		},
	}

	logger.ExternalServiceCall("kafka", "WriteMessages", "topic", p.topic, "productID", alert.ProductID)
	err = p.writer.WriteMessages(ctx, msg)
	logger.ExternalServiceResult("kafka", "WriteMessages", err, "topic", p.topic, "eventID", event.EventID)
	if err != nil {
		return fmt.Errorf("publish low-stock event: %w", err)
	}
	return nil
}

func (p *LowStockPublisher) Close() error {
	return p.writer.Close()
}
