package memory

import (
	"time"

	"github.com/omnibus-mq/omnibus/broker"
)

// Option configures the memory broker.
type Option func(*options)

type options struct {
	// bufferSize bounds the per-group backlog; Publish blocks once any
	// group of the topic has this many undelivered messages.
	bufferSize int

	// maxDeliver bounds redelivery attempts before dead-lettering.
	maxDeliver int

	// redeliveryDelay is the pause before a nacked message is offered again.
	redeliveryDelay time.Duration

	// priorityThreshold routes messages with Priority >= threshold into the
	// high-priority sub-queue.
	priorityThreshold uint8
}

func defaults() options {
	return options{
		bufferSize:        1024,
		maxDeliver:        5,
		redeliveryDelay:   0,
		priorityThreshold: 5,
	}
}

// WithBufferSize bounds the per-group backlog before Publish blocks.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithMaxDeliver sets the maximum delivery attempts before dead-lettering.
func WithMaxDeliver(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDeliver = n
		}
	}
}

// WithRedeliveryDelay delays redelivery of nacked messages.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.redeliveryDelay = d
		}
	}
}

// WithPriorityThreshold sets the priority at which messages enter the
// high-priority sub-queue.
func WithPriorityThreshold(p uint8) Option {
	return func(o *options) { o.priorityThreshold = p }
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v := cfg.ExtraInt("buffer_size", 0); v > 0 {
		opts = append(opts, WithBufferSize(v))
	}
	if v := cfg.ExtraInt("max_deliver", 0); v > 0 {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v := cfg.ExtraString("redelivery_delay", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithRedeliveryDelay(d))
		}
	}
	if v := cfg.ExtraInt("priority_threshold", 0); v > 0 {
		opts = append(opts, WithPriorityThreshold(uint8(v)))
	}
	return opts
}
