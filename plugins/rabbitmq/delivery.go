package rabbitmq

import (
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omnibus-mq/omnibus/core"
)

// delivery adapts an amqp.Delivery to core.Delivery. Settlement is
// delivery-scoped; the first Ack/Nack wins and later calls are no-ops.
type delivery struct {
	raw     amqp.Delivery
	settled atomic.Bool
}

func (d *delivery) ID() string {
	if d.raw.MessageId != "" {
		return d.raw.MessageId
	}
	// Messages published outside the facade carry no MessageId; fall back
	// to the server delivery tag so redelivery correlation stays possible.
	return fmt.Sprintf("delivery-%d", d.raw.DeliveryTag)
}

func (d *delivery) Topic() string { return d.raw.Exchange }

func (d *delivery) Body() []byte { return d.raw.Body }

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.raw.Headers))
	for k, v := range d.raw.Headers {
		if s, ok := v.(string); ok {
			h[k] = s
		} else {
			h[k] = fmt.Sprintf("%v", v)
		}
	}
	return h
}

func (d *delivery) Attempt() int {
	// Quorum queues track the count; classic queues only flag redelivery.
	if v, ok := d.raw.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int32:
			return int(n) + 1
		case int64:
			return int(n) + 1
		}
	}
	if d.raw.Redelivered {
		return 2
	}
	return 1
}

// Ack acknowledges the delivery, removing it from the queue.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("%w: omnibus/rabbitmq: ack: %v", core.ErrAckFailed, err)
	}
	return nil
}

// Nack negatively acknowledges the delivery. With requeue the server
// returns the message to the queue; without it the message is dead-lettered
// when the queue has a dead-letter exchange, otherwise dropped.
func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.raw.Nack(false, requeue); err != nil {
		return fmt.Errorf("%w: omnibus/rabbitmq: nack: %v", core.ErrAckFailed, err)
	}
	return nil
}
