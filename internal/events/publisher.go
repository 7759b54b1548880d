// Package events publishes committed order changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"marketplace-service/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const OrderTopic = "order-topic"

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OrderEvent is the message value. From is empty for a newly created order.
type OrderEvent struct {
	OrderID    string        `json:"order_id"`
	From       entity.Status `json:"from,omitempty"`
	To         entity.Status `json:"to"`
	Order      *entity.Order `json:"order"`
	OccurredAt time.Time     `json:"occurred_at"`
}

type Publisher struct {
	writer Writer
}

func NewPublisher(writer Writer) *Publisher {
	return &Publisher{writer: writer}
}

// PublishOrderEvent writes one message keyed "order-<status>-<id>".
func (p *Publisher) PublishOrderEvent(ctx context.Context, o *entity.Order, from entity.Status) error {
	orderJSON, err := json.Marshal(OrderEvent{
		OrderID:    o.ID,
		From:       from,
		To:         o.Status,
		Order:      o,
		OccurredAt: o.UpdatedAt,
	})
	if err != nil {
		return err
	}

	// order-paid_held-<uuid>
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("order-%s-%s", o.Status, o.ID)),
		Value: orderJSON,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error().Err(err).Msgf("Error publishing event for order %s", o.ID)
		return err
	}
	return nil
}
