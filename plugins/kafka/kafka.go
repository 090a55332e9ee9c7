// Package kafka implements the broker contract on Apache Kafka using
// segmentio/kafka-go.
//
// Mapping rules:
//   - topic -> a Kafka topic. With ensure the topic is created through the
//     admin API (an already-existing topic is success); without ensure a
//     metadata probe fails with ErrResourceMissing when the topic is absent.
//   - group -> a Kafka consumer group. Each Subscribe runs one reader per
//     worker under the same group id, so the partition assignment spreads
//     work across workers and across processes; distinct groups each see
//     the full topic. New groups start at the first offset so they catch
//     up on retained messages.
//   - priority -> partition bands. The writer's balancer routes messages
//     at or above the threshold into the lower half of the partition set
//     (PriorityPartition); the broker itself has no priority ordering.
//
// Ack commits the consumer offset. Kafka has no negative-ack: Nack leaves
// the offset uncommitted, so the message reappears after a group rebalance
// or restart. SupportsNack is false for that reason.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"

	"github.com/omnibus-mq/omnibus/broker"
	"github.com/omnibus-mq/omnibus/core"
)

// ProviderName is the name used to register this adapter.
const ProviderName = "kafka"

// Register adds the Kafka adapter to the given registry.
func Register(r *broker.Registry) error {
	return r.Register(ProviderName, func(cfg broker.Config) (core.Broker, error) {
		return New(cfg.Brokers, optsFromConfig(cfg)...)
	}, Capabilities())
}

// Capabilities declares what this adapter can express.
func Capabilities() core.Capabilities {
	return core.Capabilities{
		Provider:           ProviderName,
		SupportsNack:       false,
		SupportsDeadLetter: false,
		SupportsDelay:      false,
		SupportsOrdering:   true,
		Priority:           core.PriorityPartition,
	}
}

// Broker implements core.Broker for Apache Kafka.
type Broker struct {
	brokers []string
	opts    options

	writer *kafka.Writer
	client *kafka.Client

	provMu      sync.Mutex
	provisioned map[string]struct{}

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// New creates a Kafka Broker.
func New(brokers []string, fns ...Option) (*Broker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("omnibus/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &priorityBalancer{threshold: opts.priorityThreshold, next: opts.balancer},
		BatchSize:    opts.batchSize,
		Async:        opts.async,
		RequiredAcks: kafka.RequireAll,
	}
	client := &kafka.Client{Addr: kafka.TCP(brokers...)}
	if opts.dialer != nil {
		transport := &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
		w.Transport = transport
		client.Transport = transport
	}

	return &Broker{
		brokers:     brokers,
		opts:        opts,
		writer:      w,
		client:      client,
		provisioned: make(map[string]struct{}),
	}, nil
}

func (b *Broker) Provider() string { return ProviderName }

// ensureTopic provisions or probes the topic. Kafka consumer groups are
// created implicitly on join, so only the topic itself is checked.
func (b *Broker) ensureTopic(ctx context.Context, topic string, opts core.SendOptions) error {
	b.provMu.Lock()
	_, ok := b.provisioned[topic]
	b.provMu.Unlock()
	if ok {
		return nil
	}

	if opts.Ensure {
		partitions := opts.CreateInt("num_partitions", b.opts.numPartitions)
		replication := opts.CreateInt("replication_factor", b.opts.replicationFactor)
		res, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             topic,
				NumPartitions:     partitions,
				ReplicationFactor: replication,
			}},
		})
		if err != nil {
			return &core.ProvisionError{Provider: ProviderName, Resource: topic, Err: err}
		}
		if terr := res.Errors[topic]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
			return &core.ProvisionError{Provider: ProviderName, Resource: topic, Err: terr}
		}
	} else {
		res, err := b.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
		if err != nil {
			return fmt.Errorf("omnibus/kafka: probe topic %q: %w", topic, err)
		}
		found := false
		for i := range res.Topics {
			if res.Topics[i].Name == topic && res.Topics[i].Error == nil {
				found = true
				break
			}
		}
		if !found {
			return &core.ResourceMissingError{Provider: ProviderName, Resource: topic}
		}
	}

	b.provMu.Lock()
	b.provisioned[topic] = struct{}{}
	b.provMu.Unlock()
	return nil
}

// Publish sends a message to the topic. The priority travels as a header
// and steers the partition balancer.
func (b *Broker) Publish(ctx context.Context, topic string, msg *core.Message, opts core.SendOptions) error {
	if err := core.ValidateTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return core.ErrBrokerClosed
	}
	if err := b.ensureTopic(ctx, topic, opts); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}

	km := kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: toHeaders(msg.Headers, opts.Priority),
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("%w: omnibus/kafka: publish to %q: %v", core.ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe starts one reader per worker, all under the consume group, and
// delivers messages until the subscription or broker closes. Running a
// reader per worker keeps per-partition ordering and offset commits sane;
// Kafka's rebalancing spreads partitions across the readers.
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
	if err := b.ensureTopic(ctx, topic, opts.SendOptions); err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		cancel: cancel,
		errs:   make(chan error, 1),
	}

	for i := 0; i < opts.Workers(); i++ {
		cfg := kafka.ReaderConfig{
			Brokers:     b.brokers,
			Topic:       topic,
			GroupID:     opts.Group,
			MinBytes:    b.opts.minBytes,
			MaxBytes:    b.opts.maxBytes,
			MaxWait:     b.opts.maxWait,
			StartOffset: b.opts.startOffset,
		}
		if b.opts.dialer != nil {
			cfg.Dialer = b.opts.dialer
		}
		r := kafka.NewReader(cfg)
		sub.readers = append(sub.readers, r)

		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			b.consumeLoop(innerCtx, r, topic, h, sub)
		}()
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

// consumeLoop fetches and dispatches until the context is cancelled. A
// fetch failure is surfaced on the subscription's error channel and ends
// this reader's loop; the remaining readers pick up its partitions.
func (b *Broker) consumeLoop(ctx context.Context, r *kafka.Reader, topic string, h core.Handler, sub *subscription) {
	for {
		raw, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			sub.report(fmt.Errorf("%w: omnibus/kafka: fetch from %q: %v", core.ErrConsumeLoop, topic, err))
			return
		}

		d := &delivery{ctx: ctx, raw: raw, reader: r}
		if err := invoke(ctx, h, d); err != nil {
			_ = d.Nack(true)
		} else {
			_ = d.Ack()
		}
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close flushes the writer and stops all subscriptions.
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
			errs = multierror.Append(errs, fmt.Errorf("omnibus/kafka: close subscription: %w", err))
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("omnibus/kafka: close writer: %w", err))
	}
	return errs.ErrorOrNil()
}

// toHeaders converts the message headers plus the publish priority to
// Kafka wire headers.
func toHeaders(h map[string]string, priority uint8) []kafka.Header {
	headers := make([]kafka.Header, 0, len(h)+1)
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{
		Key:   priorityHeader,
		Value: []byte(fmt.Sprintf("%d", priority)),
	})
	return headers
}

func invoke(ctx context.Context, h core.Handler, d core.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("omnibus/kafka: handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

type subscription struct {
	cancel    context.CancelFunc
	readers   []*kafka.Reader
	wg        sync.WaitGroup
	errs      chan error
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		var errs *multierror.Error
		for _, r := range s.readers {
			if err := r.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		s.wg.Wait()
		close(s.errs)
		s.closeErr = errs.ErrorOrNil()
	})
	return s.closeErr
}

func (s *subscription) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
