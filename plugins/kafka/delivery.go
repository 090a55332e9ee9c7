package kafka

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/omnibus-mq/omnibus/core"
)

// delivery adapts a kafka.Message to core.Delivery. It holds the reader
// that fetched it so Ack can commit the offset.
type delivery struct {
	ctx     context.Context
	raw     kafka.Message
	reader  *kafka.Reader
	settled atomic.Bool
}

func (d *delivery) ID() string {
	if len(d.raw.Key) > 0 {
		return string(d.raw.Key)
	}
	// Messages produced outside the facade carry no key; the
	// partition/offset pair is unique within the topic.
	return fmt.Sprintf("%d-%d", d.raw.Partition, d.raw.Offset)
}

func (d *delivery) Topic() string { return d.raw.Topic }

func (d *delivery) Body() []byte { return d.raw.Value }

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.raw.Headers))
	for _, kh := range d.raw.Headers {
		if kh.Key == priorityHeader {
			continue
		}
		h[kh.Key] = string(kh.Value)
	}
	return h
}

// Attempt is always 1: Kafka does not count deliveries, and this adapter
// never rewrites messages on redelivery.
func (d *delivery) Attempt() int { return 1 }

// Ack commits the offset for this message.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.reader.CommitMessages(d.ctx, d.raw); err != nil {
		return fmt.Errorf("%w: omnibus/kafka: commit offset: %v", core.ErrAckFailed, err)
	}
	return nil
}

// Nack leaves the offset uncommitted. The message reappears after a group
// rebalance or restart; requeue makes no difference on Kafka.
func (d *delivery) Nack(requeue bool) error {
	d.settled.Store(true)
	return nil
}
