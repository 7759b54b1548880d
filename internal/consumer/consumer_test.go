package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
)

type confirmCall struct {
	orderID string
	amount  decimal.Decimal
}

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []confirmCall
	// errs are returned by successive calls; err afterwards.
	errs []error
	err  error
}

func (f *fakeConfirmer) ConfirmPayment(ctx context.Context, orderID string, amount decimal.Decimal) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, confirmCall{orderID: orderID, amount: amount})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &entity.Order{ID: orderID}, f.err
}

type sliceReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
	cancel    context.CancelFunc
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *sliceReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func TestRunConfirmsPayments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Key: []byte("payment.confirmed.o1"), Value: []byte(`{"order_id":"o1","amount":"115000","reference":"INV-1"}`)},
		{Offset: 2, Key: []byte("payment.failed.o2"), Value: []byte(`{"order_id":"o2","reference":"INV-2"}`)},
		{Offset: 3, Key: []byte("payment.confirmed.o3"), Value: []byte(`{"amount":"5000"}`)},
		{Offset: 4, Key: []byte("payment.confirmed.o4"), Value: []byte(`not json`)},
		{Offset: 5, Key: []byte("garbage"), Value: []byte(`{}`)},
	}}
	confirmer := &fakeConfirmer{}

	NewConsumer(reader, confirmer).Run(ctx)

	if assert.Len(t, confirmer.calls, 2) {
		assert.Equal(t, "o1", confirmer.calls[0].orderID)
		assert.True(t, confirmer.calls[0].amount.Equal(decimal.NewFromInt(115000)))
		assert.Equal(t, "o3", confirmer.calls[1].orderID)
	}
	assert.Len(t, reader.committed, 5)
}

func TestRunRetriesTransientFailureBeforeCommitting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 7, Key: []byte("payment.confirmed.o1"), Value: []byte(`{"order_id":"o1","amount":"1000"}`)},
	}}
	confirmer := &fakeConfirmer{errs: []error{errors.New("connection reset")}}
	c := NewConsumer(reader, confirmer)
	c.retryDelay = time.Millisecond

	c.Run(ctx)

	require.Len(t, confirmer.calls, 2)
	assert.Equal(t, "o1", confirmer.calls[1].orderID)
	if assert.Len(t, reader.committed, 1) {
		assert.Equal(t, int64(7), reader.committed[0].Offset)
	}
}

func TestRunLeavesOffsetUncommittedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Key: []byte("payment.confirmed.o1"), Value: []byte(`{"order_id":"o1"}`)},
	}}
	confirmer := &fakeConfirmer{err: errors.New("db down")}
	c := NewConsumer(reader, confirmer)
	c.retryDelay = time.Hour

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		confirmer.mu.Lock()
		defer confirmer.mu.Unlock()
		return len(confirmer.calls) == 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, reader.committed)
}

func TestProcessMessageSkipsReplays(t *testing.T) {
	for _, err := range []error{entity.ErrInvalidTransition, entity.ErrAlreadyResolved, entity.ErrNotFound} {
		confirmer := &fakeConfirmer{err: err}
		c := NewConsumer(nil, confirmer)

		got := c.processMessage(context.Background(), kafka.Message{
			Key:   []byte("payment.confirmed.o1"),
			Value: []byte(`{"order_id":"o1","amount":"1"}`),
		})
		assert.NoError(t, got, err.Error())
		assert.Len(t, confirmer.calls, 1)
	}
}
