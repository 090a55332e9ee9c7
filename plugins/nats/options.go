package nats

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/omnibus-mq/omnibus/broker"
)

// Option configures the NATS broker.
type Option func(*options)

type options struct {
	// Stream
	maxMsgs   int64
	maxBytes  int64
	maxAge    time.Duration
	replicas  int
	retention jetstream.RetentionPolicy
	storage   jetstream.StorageType

	// Consumer
	ackWait    time.Duration
	maxDeliver int

	// nakDelay postpones redelivery after a requeueing nack; zero asks the
	// server to redeliver immediately.
	nakDelay time.Duration
}

func defaults() options {
	return options{
		maxMsgs:    -1, // unlimited
		maxBytes:   -1,
		maxAge:     0,
		replicas:   1,
		retention:  jetstream.LimitsPolicy,
		storage:    jetstream.FileStorage,
		ackWait:    30 * time.Second,
		maxDeliver: 5,
	}
}

// WithMaxMessages sets the maximum number of messages per stream.
func WithMaxMessages(n int64) Option {
	return func(o *options) { o.maxMsgs = n }
}

// WithMaxBytes sets the maximum total size of a stream.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxAge sets the maximum age of messages in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// WithRetention sets the stream retention policy.
func WithRetention(r jetstream.RetentionPolicy) Option {
	return func(o *options) { o.retention = r }
}

// WithStorage sets the stream storage type (file or memory).
func WithStorage(s jetstream.StorageType) Option {
	return func(o *options) { o.storage = s }
}

// WithAckWait sets how long the server waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(o *options) { o.ackWait = d }
}

// WithMaxDeliver sets the maximum number of delivery attempts.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithNakDelay delays redelivery after a requeueing nack.
func WithNakDelay(d time.Duration) Option {
	return func(o *options) { o.nakDelay = d }
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v := cfg.ExtraInt("max_deliver", 0); v > 0 {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v := cfg.ExtraInt("replicas", 0); v > 0 {
		opts = append(opts, WithReplicas(v))
	}
	if v := cfg.ExtraString("ack_wait", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			opts = append(opts, WithAckWait(d))
		}
	}
	if v := cfg.ExtraString("nak_delay", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			opts = append(opts, WithNakDelay(d))
		}
	}
	if cfg.ExtraString("storage", "") == "memory" {
		opts = append(opts, WithStorage(jetstream.MemoryStorage))
	}
	return opts
}
