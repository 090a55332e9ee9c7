package nats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/omnibus-mq/omnibus/core"
)

// delivery adapts a JetStream message to core.Delivery. Settlement is
// delivery-scoped; the first Ack/Nack wins and later calls are no-ops.
type delivery struct {
	msg      jetstream.Msg
	topic    string
	nakDelay time.Duration
	settled  atomic.Bool
}

func (d *delivery) ID() string {
	if id := d.msg.Headers().Get("Nats-Msg-Id"); id != "" {
		return id
	}
	if meta, err := d.msg.Metadata(); err == nil {
		return fmt.Sprintf("%d", meta.Sequence.Stream)
	}
	return ""
}

func (d *delivery) Topic() string { return d.topic }

func (d *delivery) Body() []byte { return d.msg.Data() }

func (d *delivery) Headers() map[string]string {
	raw := d.msg.Headers()
	h := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "Nats-Msg-Id" || len(v) == 0 {
			continue
		}
		h[k] = v[0]
	}
	return h
}

func (d *delivery) Attempt() int {
	if meta, err := d.msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		return int(meta.NumDelivered)
	}
	return 1
}

// Ack acknowledges the message, marking it processed.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("%w: omnibus/nats: ack: %v", core.ErrAckFailed, err)
	}
	return nil
}

// Nack signals a failed delivery. With requeue the server redelivers,
// bounded by the consumer's MaxDeliver; without it the message is
// terminated and never redelivered.
func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	switch {
	case !requeue:
		err = d.msg.Term()
	case d.nakDelay > 0:
		err = d.msg.NakWithDelay(d.nakDelay)
	default:
		err = d.msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("%w: omnibus/nats: nack: %v", core.ErrAckFailed, err)
	}
	return nil
}
