package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/omnibus-mq/omnibus/broker"
)

// Option configures the Kafka broker.
type Option func(*options)

type options struct {
	// Writer
	balancer  kafka.Balancer
	batchSize int
	async     bool

	// Reader
	minBytes    int
	maxBytes    int
	maxWait     time.Duration
	startOffset int64

	// Topic creation (used when ensure is requested)
	numPartitions     int
	replicationFactor int

	// priorityThreshold splits partitions into a high and a normal band;
	// messages at or above it go to the high band.
	priorityThreshold uint8

	// General
	dialer *kafka.Dialer
}

func defaults() options {
	return options{
		balancer:          &kafka.LeastBytes{},
		batchSize:         100,
		minBytes:          1,
		maxBytes:          10e6, // 10 MB
		maxWait:           500 * time.Millisecond,
		startOffset:       kafka.FirstOffset,
		numPartitions:     4,
		replicationFactor: 1,
		priorityThreshold: 5,
	}
}

// WithBalancer sets the partition balancer used inside each priority band.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size for writes.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithAsync enables asynchronous writes.
func WithAsync(async bool) Option {
	return func(o *options) { o.async = async }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithStartOffset sets where a new group starts reading
// (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.startOffset = offset }
}

// WithTopicDefaults sets partition count and replication factor for topics
// created on demand.
func WithTopicDefaults(partitions, replicationFactor int) Option {
	return func(o *options) {
		if partitions > 0 {
			o.numPartitions = partitions
		}
		if replicationFactor > 0 {
			o.replicationFactor = replicationFactor
		}
	}
}

// WithPriorityThreshold sets the lowest priority routed to the high band.
func WithPriorityThreshold(p uint8) Option {
	return func(o *options) { o.priorityThreshold = p }
}

// WithDialer sets a custom dialer for TLS/SASL connections.
func WithDialer(d *kafka.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["async"].(bool); ok && v {
		opts = append(opts, WithAsync(true))
	}
	if v := cfg.ExtraInt("batch_size", 0); v > 0 {
		opts = append(opts, WithBatchSize(v))
	}
	if v := cfg.ExtraInt("max_bytes", 0); v > 0 {
		opts = append(opts, WithMaxBytes(v))
	}
	if v := cfg.ExtraInt("num_partitions", 0); v > 0 {
		opts = append(opts, WithTopicDefaults(v, cfg.ExtraInt("replication_factor", 0)))
	}
	if v := cfg.ExtraInt("priority_threshold", -1); v >= 0 && v <= 255 {
		opts = append(opts, WithPriorityThreshold(uint8(v)))
	}
	if cfg.ExtraString("start_offset", "") == "last" {
		opts = append(opts, WithStartOffset(kafka.LastOffset))
	}
	return opts
}
