// Package nats implements the broker contract on NATS JetStream.
//
// Mapping rules:
//   - topic -> a JetStream stream holding the topic as its only subject.
//     Stream names cannot contain dots, so the topic is rewritten with
//     core.SanitizeName. With ensure the stream is created (an existing
//     stream of the same name is success); without ensure a lookup fails
//     with ErrResourceMissing.
//   - group -> a durable pull consumer on the stream. Every subscriber of
//     the same group shares the consumer, so the server hands each message
//     to exactly one of them; distinct groups get their own consumers and
//     each see the full stream (fan-out, including catch-up on retained
//     messages).
//   - priority -> ignored; JetStream has no per-message priority.
//
// Ack and Nack map onto JetStream's native acks: Nack(requeue=true) asks
// the server to redeliver (bounded by MaxDeliver), Nack(requeue=false)
// terminates the message.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/omnibus-mq/omnibus/broker"
	"github.com/omnibus-mq/omnibus/core"
)

// ProviderName is the name used to register this adapter.
const ProviderName = "nats"

// Register adds the JetStream adapter to the given registry.
func Register(r *broker.Registry) error {
	return r.Register(ProviderName, func(cfg broker.Config) (core.Broker, error) {
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("omnibus/nats: at least one broker URL is required")
		}
		return New(cfg.Brokers[0], optsFromConfig(cfg)...)
	}, Capabilities())
}

// Capabilities declares what this adapter can express.
func Capabilities() core.Capabilities {
	return core.Capabilities{
		Provider:           ProviderName,
		SupportsNack:       true,
		SupportsDeadLetter: false,
		SupportsDelay:      true,
		SupportsOrdering:   true,
		Priority:           core.PriorityIgnored,
	}
}

// Broker implements core.Broker for NATS JetStream.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	opts options

	provMu      sync.Mutex
	provisioned map[string]struct{}

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// New creates a JetStream Broker. url is a standard NATS URL (nats://host:port).
func New(url string, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("omnibus/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("omnibus/nats: init jetstream: %w", err)
	}

	return &Broker{
		conn:        nc,
		js:          js,
		opts:        opts,
		provisioned: make(map[string]struct{}),
	}, nil
}

func (b *Broker) Provider() string { return ProviderName }

// ensureStream provisions or probes the stream backing the topic.
func (b *Broker) ensureStream(ctx context.Context, topic string, opts core.SendOptions) error {
	name := core.SanitizeName(topic)

	b.provMu.Lock()
	_, ok := b.provisioned[name]
	b.provMu.Unlock()
	if ok {
		return nil
	}

	if opts.Ensure {
		maxAge := b.opts.maxAge
		if v := opts.CreateString("max_age", ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				maxAge = d
			}
		}
		_, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{topic},
			MaxMsgs:   b.opts.maxMsgs,
			MaxBytes:  b.opts.maxBytes,
			MaxAge:    maxAge,
			Replicas:  b.opts.replicas,
			Retention: b.opts.retention,
			Storage:   b.opts.storage,
		})
		// A stream of the same name already existing is success; config
		// drift is not reconciled here.
		if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return &core.ProvisionError{Provider: ProviderName, Resource: name, Err: err}
		}
	} else {
		if _, err := b.js.Stream(ctx, name); err != nil {
			if errors.Is(err, jetstream.ErrStreamNotFound) {
				return &core.ResourceMissingError{Provider: ProviderName, Resource: name}
			}
			return fmt.Errorf("omnibus/nats: probe stream %q: %w", name, err)
		}
	}

	b.provMu.Lock()
	b.provisioned[name] = struct{}{}
	b.provMu.Unlock()
	return nil
}

// ensureConsumer provisions or probes the group's durable consumer.
func (b *Broker) ensureConsumer(ctx context.Context, topic, group string, opts core.SendOptions) (jetstream.Consumer, error) {
	if err := b.ensureStream(ctx, topic, opts); err != nil {
		return nil, err
	}

	name := core.SanitizeName(topic)
	stream, err := b.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("omnibus/nats: stream %q: %w", name, err)
	}

	if opts.Ensure {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:    group,
			AckPolicy:  jetstream.AckExplicitPolicy,
			AckWait:    b.opts.ackWait,
			MaxDeliver: b.opts.maxDeliver,
		})
		if err != nil {
			return nil, &core.ProvisionError{
				Provider: ProviderName,
				Resource: core.QueueName(topic, group),
				Err:      err,
			}
		}
		return cons, nil
	}

	cons, err := stream.Consumer(ctx, group)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, &core.ResourceMissingError{
				Provider: ProviderName,
				Resource: core.QueueName(topic, group),
			}
		}
		return nil, fmt.Errorf("omnibus/nats: probe consumer %q: %w", group, err)
	}
	return cons, nil
}

// Publish sends a message to the topic via JetStream. The message ID rides
// the Nats-Msg-Id header, which also gives server-side dedup within the
// stream's dedup window.
func (b *Broker) Publish(ctx context.Context, topic string, msg *core.Message, opts core.SendOptions) error {
	if err := core.ValidateTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return core.ErrBrokerClosed
	}
	if err := b.ensureStream(ctx, topic, opts); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}

	headers := nats.Header{}
	for k, v := range msg.Headers {
		headers.Set(k, v)
	}
	headers.Set("Nats-Msg-Id", msg.ID)

	nm := &nats.Msg{
		Subject: topic,
		Data:    msg.Body,
		Header:  headers,
	}
	if _, err := b.js.PublishMsg(ctx, nm); err != nil {
		return fmt.Errorf("%w: omnibus/nats: publish to %q: %v", core.ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe attaches workers to the group's durable consumer and delivers
// messages until the subscription or broker closes. Each worker is its own
// pull subscriber on the shared consumer.
func (b *Broker) Subscribe(ctx context.Context, topic string, h core.Handler, opts core.ConsumeOptions) (core.Subscription, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := core.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := core.ValidateGroup(opts.Group); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, core.ErrBrokerClosed
	}

	cons, err := b.ensureConsumer(ctx, topic, opts.Group, opts.SendOptions)
	if err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		cancel: cancel,
		errs:   make(chan error, 1),
	}

	errHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, nats.ErrTimeout) {
			return
		}
		sub.report(fmt.Errorf("%w: omnibus/nats: consume %q: %v", core.ErrConsumeLoop, opts.Group, err))
	})

	for i := 0; i < opts.Workers(); i++ {
		cc, err := cons.Consume(func(jsMsg jetstream.Msg) {
			d := &delivery{msg: jsMsg, topic: topic, nakDelay: b.opts.nakDelay}
			if err := invoke(innerCtx, h, d); err != nil {
				_ = d.Nack(true)
			} else {
				_ = d.Ack()
			}
		}, errHandler)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("omnibus/nats: start consume on %q: %w", opts.Group, err)
		}
		sub.consumers = append(sub.consumers, cc)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		return nil, core.ErrBrokerClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops all subscriptions and drains the NATS connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	var errs *multierror.Error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("omnibus/nats: close subscription: %w", err))
		}
	}
	if err := b.conn.Drain(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("omnibus/nats: drain: %w", err))
	}
	return errs.ErrorOrNil()
}

func invoke(ctx context.Context, h core.Handler, d core.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("omnibus/nats: handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

type subscription struct {
	cancel    context.CancelFunc
	consumers []jetstream.ConsumeContext
	closeOnce sync.Once

	// mu orders report against closing errs: the error handler runs on
	// library goroutines, and Stop does not wait for in-flight callbacks.
	mu     sync.Mutex
	errs   chan error
	closed bool
}

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for _, cc := range s.consumers {
			cc.Stop()
		}
		s.mu.Lock()
		s.closed = true
		close(s.errs)
		s.mu.Unlock()
	})
	return nil
}

// report forwards an async consume failure unless the subscription already
// closed its error channel. It never blocks.
func (s *subscription) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
