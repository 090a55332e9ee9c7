package kafka

import (
	"strconv"

	"github.com/segmentio/kafka-go"
)

// priorityHeader carries the publish priority on the wire so the balancer
// and consumers can see it.
const priorityHeader = "x-priority"

// priorityBalancer splits a topic's partitions into a high band (the lower
// partition numbers) and a normal band, then routes each message into one
// band by its x-priority header. Within a band the wrapped balancer picks
// the partition. Consumers that want priority-sensitive scheduling can
// read the high partitions with a dedicated group; plain group consumers
// see all partitions and are unaffected.
type priorityBalancer struct {
	threshold uint8
	next      kafka.Balancer
}

func (p *priorityBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) <= 1 {
		return p.next.Balance(msg, partitions...)
	}

	band := partitions[len(partitions)/2:]
	if priorityOf(msg) >= p.threshold {
		band = partitions[:len(partitions)/2]
	}
	return p.next.Balance(msg, band...)
}

func priorityOf(msg kafka.Message) uint8 {
	for _, h := range msg.Headers {
		if h.Key == priorityHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 && n <= 255 {
				return uint8(n)
			}
			return 0
		}
	}
	return 0
}
