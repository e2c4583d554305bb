package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type acknowledger struct {
	acked, nacked, rejected int
	requeued                bool
}

func (a *acknowledger) Ack(uint64, bool) error { a.acked++; return nil }

func (a *acknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = a.requeued || requeue
	return nil
}

func (a *acknowledger) Reject(_ uint64, requeue bool) error {
	a.rejected++
	a.requeued = a.requeued || requeue
	return nil
}

func delivery(body string) (amqp.Delivery, *acknowledger) {
	ack := &acknowledger{}
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body)}, ack
}

func TestDeliverAcksHandledMessage(t *testing.T) {
	d, ack := delivery(`{"entity_type":"subscription","entity_id":"sub_1","sequence":3,"event_id":"ev"}`)

	var got EntityReady
	deliver(context.Background(), d, func(_ context.Context, msg EntityReady) error {
		got = msg
		return nil
	}, zap.NewNop())

	assert.Equal(t, "subscription:sub_1", got.Key().String())
	assert.Equal(t, int64(3), got.Sequence)
	assert.Equal(t, 1, ack.acked)
}

func TestDeliverDropsFailedMessage(t *testing.T) {
	d, ack := delivery(`{"entity_type":"customer","entity_id":"cus_1","sequence":1}`)

	deliver(context.Background(), d, func(context.Context, EntityReady) error {
		return errors.New("mongo down")
	}, zap.NewNop())

	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeued)
	assert.Zero(t, ack.acked)
}

func TestDeliverRejectsMalformedMessage(t *testing.T) {
	called := false
	handle := func(context.Context, EntityReady) error {
		called = true
		return nil
	}

	for _, body := range []string{`not json`, `{"entity_type":"customer"}`} {
		d, ack := delivery(body)
		deliver(context.Background(), d, handle, zap.NewNop())
		assert.Equal(t, 1, ack.rejected, body)
	}
	assert.False(t, called)
}
