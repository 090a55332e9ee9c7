package rabbitmq

import "github.com/omnibus-mq/omnibus/broker"

// Option configures the RabbitMQ broker.
type Option func(*options)

type options struct {
	// Queue settings
	durable    bool
	autoDelete bool

	// Consumer settings
	prefetchCount int

	// Publisher settings
	confirmPublish bool

	// maxPriority is the x-max-priority applied to declared queues; 0
	// disables the priority range.
	maxPriority int
}

func defaults() options {
	return options{
		durable:        true,
		prefetchCount:  10,
		confirmPublish: true,
		maxPriority:    10,
	}
}

// WithDurable controls whether exchanges and queues survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithAutoDelete causes queues to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithConfirmPublish toggles publisher confirms. When enabled, Publish
// blocks until the server confirms or rejects the message.
func WithConfirmPublish(c bool) Option {
	return func(o *options) { o.confirmPublish = c }
}

// WithMaxPriority sets the priority range declared on queues (0 disables).
func WithMaxPriority(n int) Option {
	return func(o *options) { o.maxPriority = n }
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if v, ok := cfg.Extra["durable"].(bool); ok {
		opts = append(opts, WithDurable(v))
	}
	if v, ok := cfg.Extra["auto_delete"].(bool); ok {
		opts = append(opts, WithAutoDelete(v))
	}
	if v := cfg.ExtraInt("prefetch_count", 0); v > 0 {
		opts = append(opts, WithPrefetchCount(v))
	}
	if v, ok := cfg.Extra["confirm_publish"].(bool); ok {
		opts = append(opts, WithConfirmPublish(v))
	}
	if v := cfg.ExtraInt("max_priority", -1); v >= 0 {
		opts = append(opts, WithMaxPriority(v))
	}
	return opts
}
