package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/omnibus-mq/omnibus/core"
)

// delivery adapts one stream entry to core.Delivery. Settlement is
// delivery-scoped; the first Ack/Nack wins and later calls are no-ops.
type delivery struct {
	b       *Broker
	topic   string
	group   string
	entryID string
	msg     *core.Message
	attempt int
	settled atomic.Bool
}

func (d *delivery) ID() string {
	if d.msg.ID != "" {
		return d.msg.ID
	}
	// Entries appended outside the facade carry no id field; the stream
	// entry ID is unique within the topic.
	return d.entryID
}

func (d *delivery) Topic() string { return d.topic }

func (d *delivery) Body() []byte { return d.msg.Body }

func (d *delivery) Headers() map[string]string { return d.msg.Headers }

func (d *delivery) Attempt() int { return d.attempt }

// Ack removes the entry from the group's pending list via XACK.
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := d.b.client.XAck(ctx, d.topic, d.group, d.entryID).Err(); err != nil {
		return fmt.Errorf("%w: omnibus/redis: ack %s: %v", core.ErrAckFailed, d.entryID, err)
	}
	return nil
}

// Nack emulates a negative acknowledgement. Streams have no native nack:
// with requeue, the entry is republished to the same stream with an
// incremented attempt counter and the original acknowledged; past
// maxDeliver attempts, or without requeue, the entry lands in the group's
// dead-letter stream instead.
func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	target := d.topic
	attempt := d.attempt + 1
	if !requeue || d.attempt >= d.b.opts.maxDeliver {
		target = deadStream(d.topic, d.group)
		attempt = d.attempt
	}

	err := d.b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: target,
		ID:     "*",
		Values: encodeFields(d.msg, attempt),
	}).Err()
	if err != nil {
		// Leave the entry pending; the claim loop or a restart will
		// redeliver it.
		d.settled.Store(false)
		return fmt.Errorf("%w: omnibus/redis: nack %s: %v", core.ErrAckFailed, d.entryID, err)
	}
	if err := d.b.client.XAck(ctx, d.topic, d.group, d.entryID).Err(); err != nil {
		return fmt.Errorf("%w: omnibus/redis: nack ack %s: %v", core.ErrAckFailed, d.entryID, err)
	}
	return nil
}
