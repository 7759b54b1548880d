package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestPublishOrderEvent(t *testing.T) {
	w := &recordingWriter{}
	o := &entity.Order{
		ID:          "abc",
		Status:      entity.StatusPaidHeld,
		TotalAmount: decimal.NewFromInt(105000),
		UpdatedAt:   time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}

	require.NoError(t, NewPublisher(w).PublishOrderEvent(context.Background(), o, entity.StatusWaitingPayment))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-paid_held-abc", string(w.msgs[0].Key))

	var ev OrderEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, entity.StatusWaitingPayment, ev.From)
	assert.Equal(t, entity.StatusPaidHeld, ev.To)
	assert.True(t, ev.Order.TotalAmount.Equal(o.TotalAmount))
}

func TestPublishOrderEventReturnsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	err := NewPublisher(&recordingWriter{err: boom}).PublishOrderEvent(context.Background(), &entity.Order{ID: "x"}, "")
	assert.ErrorIs(t, err, boom)
}
