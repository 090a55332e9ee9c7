package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibus-mq/omnibus/core"
)

// fakeAcker records settlement calls in place of a live channel.
type fakeAcker struct {
	acks    int
	nacks   int
	requeue bool
	err     error
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acks++
	return f.err
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return f.err
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return f.err
}

func TestDelivery_FirstSettlementWins(t *testing.T) {
	acker := &fakeAcker{}
	d := &delivery{raw: amqp.Delivery{Acknowledger: acker, DeliveryTag: 7}}

	require.NoError(t, d.Ack())
	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))

	assert.Equal(t, 1, acker.acks, "only the first settlement may reach the channel")
	assert.Equal(t, 0, acker.nacks)
}

func TestDelivery_NackRequeue(t *testing.T) {
	acker := &fakeAcker{}
	d := &delivery{raw: amqp.Delivery{Acknowledger: acker}}

	require.NoError(t, d.Nack(true))
	assert.Equal(t, 1, acker.nacks)
	assert.True(t, acker.requeue)
}

func TestDelivery_AckErrorWrapped(t *testing.T) {
	acker := &fakeAcker{err: errors.New("channel gone")}
	d := &delivery{raw: amqp.Delivery{Acknowledger: acker}}

	err := d.Ack()
	require.ErrorIs(t, err, core.ErrAckFailed)
}

func TestDelivery_IDFallsBackToDeliveryTag(t *testing.T) {
	d := &delivery{raw: amqp.Delivery{DeliveryTag: 42}}
	assert.Equal(t, "delivery-42", d.ID())

	d2 := &delivery{raw: amqp.Delivery{MessageId: "m-1"}}
	assert.Equal(t, "m-1", d2.ID())
}

func TestDelivery_Attempt(t *testing.T) {
	fresh := &delivery{raw: amqp.Delivery{}}
	assert.Equal(t, 1, fresh.Attempt())

	redelivered := &delivery{raw: amqp.Delivery{Redelivered: true}}
	assert.Equal(t, 2, redelivered.Attempt())

	counted := &delivery{raw: amqp.Delivery{
		Redelivered: true,
		Headers:     amqp.Table{"x-delivery-count": int64(4)},
	}}
	assert.Equal(t, 5, counted.Attempt())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&amqp.Error{Code: amqp.NotFound}))
	assert.False(t, isNotFound(&amqp.Error{Code: amqp.AccessRefused}))
	assert.False(t, isNotFound(errors.New("plain")))
	assert.False(t, isNotFound(nil))
}
