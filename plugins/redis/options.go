package redis

import (
	"fmt"
	"os"
	"time"

	"github.com/omnibus-mq/omnibus/broker"
)

// Option configures the Redis Streams broker.
type Option func(*options)

type options struct {
	username string
	password string
	db       int

	// consumer is this process's name inside each consumer group.
	consumer string

	// batchSize and block tune XREADGROUP polling.
	batchSize int
	block     time.Duration

	// maxDeliver bounds republish-based redelivery before dead-lettering.
	maxDeliver int

	// claimMinIdle enables recovery of pending entries abandoned by crashed
	// consumers; zero disables the claim loop.
	claimMinIdle  time.Duration
	claimInterval time.Duration

	// maxLenApprox trims streams approximately on publish; zero keeps all.
	maxLenApprox int64
}

func defaults() options {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "omnibus"
	}
	return options{
		consumer:      fmt.Sprintf("omnibus-%s-%d", hostname, os.Getpid()),
		batchSize:     128,
		block:         5 * time.Second,
		maxDeliver:    5,
		claimInterval: 15 * time.Second,
	}
}

// WithAuth sets the Redis username and password.
func WithAuth(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(o *options) { o.db = db }
}

// WithConsumer overrides the generated consumer name.
func WithConsumer(name string) Option {
	return func(o *options) {
		if name != "" {
			o.consumer = name
		}
	}
}

// WithBatchSize sets how many entries one XREADGROUP call may return.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithBlock sets the XREADGROUP blocking duration.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
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

// WithClaim enables recovery of pending entries idle for at least minIdle.
func WithClaim(minIdle, interval time.Duration) Option {
	return func(o *options) {
		o.claimMinIdle = minIdle
		if interval > 0 {
			o.claimInterval = interval
		}
	}
}

// WithMaxLenApprox trims streams to approximately n entries on publish.
func WithMaxLenApprox(n int64) Option {
	return func(o *options) { o.maxLenApprox = n }
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) []Option {
	if cfg.Extra == nil {
		return nil
	}
	var opts []Option
	if u, p := cfg.ExtraString("username", ""), cfg.ExtraString("password", ""); u != "" || p != "" {
		opts = append(opts, WithAuth(u, p))
	}
	if v := cfg.ExtraInt("db", -1); v >= 0 {
		opts = append(opts, WithDB(v))
	}
	if v := cfg.ExtraString("consumer", ""); v != "" {
		opts = append(opts, WithConsumer(v))
	}
	if v := cfg.ExtraInt("batch_size", 0); v > 0 {
		opts = append(opts, WithBatchSize(v))
	}
	if v := cfg.ExtraString("block", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithBlock(d))
		}
	}
	if v := cfg.ExtraInt("max_deliver", 0); v > 0 {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v := cfg.ExtraString("claim_min_idle", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval, _ := time.ParseDuration(cfg.ExtraString("claim_interval", ""))
			opts = append(opts, WithClaim(d, interval))
		}
	}
	if v := cfg.ExtraInt("max_len_approx", 0); v > 0 {
		opts = append(opts, WithMaxLenApprox(int64(v)))
	}
	return opts
}
