// Package consumer applies payment gateway events from Kafka to orders.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// PaymentEvent is the value of a payment-topic message.
type PaymentEvent struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// PaymentConfirmer is satisfied by *service.OrderService.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID string, amount decimal.Decimal) (*entity.Order, error)
}

// Reader is the part of *kafka.Reader the consumer uses. Offsets are
// committed explicitly once a message is handled.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

type Consumer struct {
	reader     Reader
	payments   PaymentConfirmer
	retryDelay time.Duration
}

func NewConsumer(reader Reader, payments PaymentConfirmer) *Consumer {
	return &Consumer{reader: reader, payments: payments, retryDelay: defaultRetryDelay}
}

// Run reads payment events until ctx is done. A message whose processing
// fails is retried with backoff and its offset stays uncommitted until it
// succeeds or is skipped.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Msgf("Error reading message: %v", err)
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msgf("Error committing offset %d", msg.Offset)
		}
	}
}

// handle processes msg until it no longer fails. It reports false when ctx
// ends first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for {
		err := c.processMessage(ctx, msg)
		if err == nil {
			return true
		}
		logger.Warn().Err(err).Msgf("Retrying offset %d in %s", msg.Offset, delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// processMessage handles one event. Malformed messages and replays of an
// already applied payment are logged and skipped. A non-nil error means the
// message should be processed again.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Error().Msgf("Error unmarshalling message: %v", err)
		return nil
	}

	// key -> "payment.confirmed.orderID" or "payment.failed.orderID"
	listKey := strings.SplitN(string(msg.Key), ".", 3)
	if len(listKey) < 2 {
		logger.Error().Msgf("Malformed payment key %q", msg.Key)
		return nil
	}
	if event.OrderID == "" && len(listKey) == 3 {
		event.OrderID = listKey[2]
	}

	switch listKey[1] {
	case "confirmed":
		_, err := c.payments.ConfirmPayment(ctx, event.OrderID, event.Amount)
		switch {
		case err == nil:
			logger.Info().Msgf("Payment %s confirmed for order %s", event.Reference, event.OrderID)
		case errors.Is(err, entity.ErrInvalidTransition), errors.Is(err, entity.ErrAlreadyResolved):
			logger.Warn().Msgf("Skipping payment %s for order %s: %v", event.Reference, event.OrderID, err)
		case errors.Is(err, entity.ErrNotFound), errors.Is(err, entity.ErrInvalidArgument):
			logger.Error().Err(err).Msgf("Dropping payment %s for order %s", event.Reference, event.OrderID)
		default:
			logger.Error().Err(err).Msgf("Error confirming payment for order %s", event.OrderID)
			return err
		}
	case "failed":
		logger.Warn().Msgf("Payment %s failed for order %s", event.Reference, event.OrderID)
	default:
		logger.Error().Msgf("Unknown payment event: %s", listKey[1])
	}
	return nil
}
