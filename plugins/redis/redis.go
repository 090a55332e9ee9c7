// Package redis implements the broker contract on Redis Streams using
// go-redis.
//
// Mapping rules:
//   - topic -> a stream key; XADD appends, entries are retained.
//   - group -> a native consumer group on the stream, created at entry "0"
//     so late groups catch up on retained messages. XREADGROUP gives
//     exactly-one-consumer-per-entry within a group; distinct groups read
//     the stream independently (fan-out).
//   - ensure -> XGROUP CREATE MKSTREAM; the server's BUSYGROUP reply is
//     treated as success. Without ensure, XINFO probes existence and an
//     absent stream or group fails with ErrResourceMissing.
//   - priority -> ignored; streams offer no mechanism (PriorityIgnored).
//
// Ack maps onto XACK. Redis Streams has no negative-ack, so
// Nack(requeue=true) is emulated: the entry is republished with an
// incremented attempt counter and the original is acknowledged; after
// maxDeliver attempts the copy lands in the group's dead-letter stream
// (<topic>:<group>:dead). Nack(requeue=false) dead-letters immediately.
// An optional claim loop re-delivers pending entries abandoned by crashed
// consumers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/omnibus-mq/omnibus/broker"
	"github.com/omnibus-mq/omnibus/core"
)

// ProviderName is the name used to register this adapter.
const ProviderName = "redis"

// Stream field constants (avoid typos/allocs).
const (
	fieldID           = "id"
	fieldBody         = "body"
	fieldAttempt      = "attempt"
	fieldHeaderPrefix = "h:"
)

const settleTimeout = 5 * time.Second

// Register adds the Redis Streams adapter to the given registry.
func Register(r *broker.Registry) error {
	return r.Register(ProviderName, func(cfg broker.Config) (core.Broker, error) {
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("omnibus/redis: at least one broker address is required")
		}
		return New(cfg.Brokers[0], optsFromConfig(cfg)...)
	}, Capabilities())
}

// Capabilities declares what this adapter can express. Nack and
// dead-lettering are emulated by republishing, not backend-native.
func Capabilities() core.Capabilities {
	return core.Capabilities{
		Provider:           ProviderName,
		SupportsNack:       true,
		SupportsDeadLetter: true,
		SupportsDelay:      false,
		SupportsOrdering:   true,
		Priority:           core.PriorityIgnored,
	}
}

// Broker implements core.Broker for Redis Streams.
type Broker struct {
	client *redis.Client
	opts   options

	provMu      sync.Mutex
	provisioned map[string]struct{}

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// New creates a Redis Streams Broker and verifies connectivity.
func New(addr string, fns ...Option) (*Broker, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.username,
		Password: opts.password,
		DB:       opts.db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("omnibus/redis: ping %q: %w", addr, err)
	}

	return &Broker{
		client:      client,
		opts:        opts,
		provisioned: make(map[string]struct{}),
	}, nil
}

func (b *Broker) Provider() string { return ProviderName }

func deadStream(topic, group string) string {
	return core.QueueName(topic, group) + ":dead"
}

func encodeFields(msg *core.Message, attempt int) map[string]any {
	vals := make(map[string]any, 3+len(msg.Headers))
	vals[fieldID] = msg.ID
	vals[fieldBody] = msg.Body
	vals[fieldAttempt] = strconv.Itoa(attempt)
	for k, v := range msg.Headers {
		vals[fieldHeaderPrefix+k] = v
	}
	return vals
}

func decodeFields(vals map[string]any) (msg *core.Message, attempt int) {
	msg = &core.Message{Headers: map[string]string{}}
	attempt = 1
	for k, v := range vals {
		switch {
		case k == fieldID:
			msg.ID = asString(v)
		case k == fieldBody:
			switch p := v.(type) {
			case []byte:
				msg.Body = p
			case string:
				msg.Body = []byte(p)
			}
		case k == fieldAttempt:
			if n, err := strconv.Atoi(asString(v)); err == nil && n > 0 {
				attempt = n
			}
		case strings.HasPrefix(k, fieldHeaderPrefix):
			msg.Headers[strings.TrimPrefix(k, fieldHeaderPrefix)] = asString(v)
		}
	}
	return msg, attempt
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// ensureStream provisions or probes the topic's stream key.
func (b *Broker) ensureStream(ctx context.Context, topic string, opts core.SendOptions) error {
	b.provMu.Lock()
	_, ok := b.provisioned[topic]
	b.provMu.Unlock()
	if ok {
		return nil
	}

	if opts.Ensure {
		// XADD creates streams implicitly; materialize the key up front so
		// late subscribers can probe it. Creating a group and leaving it
		// unused is harmless and idempotent.
		err := b.client.XGroupCreateMkStream(ctx, topic, provisionGroup, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return &core.ProvisionError{Provider: ProviderName, Resource: topic, Err: err}
		}
	} else {
		if err := b.client.XInfoStream(ctx, topic).Err(); err != nil {
			if isNoKey(err) {
				return &core.ResourceMissingError{Provider: ProviderName, Resource: topic}
			}
			return fmt.Errorf("omnibus/redis: probe stream %q: %w", topic, err)
		}
	}

	b.provMu.Lock()
	b.provisioned[topic] = struct{}{}
	b.provMu.Unlock()
	return nil
}

// provisionGroup anchors a stream key created by ensure before any real
// group exists; it is never consumed.
const provisionGroup = "omnibus-retain"

// ensureGroup provisions or probes a consumer group on the topic's stream.
func (b *Broker) ensureGroup(ctx context.Context, topic, group string, opts core.SendOptions) error {
	if err := b.ensureStream(ctx, topic, opts); err != nil {
		return err
	}

	key := core.QueueName(topic, group)
	b.provMu.Lock()
	_, ok := b.provisioned[key]
	b.provMu.Unlock()
	if ok {
		return nil
	}

	if opts.Ensure {
		// "0" starts the group at the beginning of the retained stream so
		// groups created after publication catch up.
		err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return &core.ProvisionError{Provider: ProviderName, Resource: key, Err: err}
		}
	} else {
		groups, err := b.client.XInfoGroups(ctx, topic).Result()
		if err != nil {
			if isNoKey(err) {
				return &core.ResourceMissingError{Provider: ProviderName, Resource: topic}
			}
			return fmt.Errorf("omnibus/redis: probe groups of %q: %w", topic, err)
		}
		found := false
		for _, g := range groups {
			if g.Name == group {
				found = true
				break
			}
		}
		if !found {
			return &core.ResourceMissingError{Provider: ProviderName, Resource: key}
		}
	}

	b.provMu.Lock()
	b.provisioned[key] = struct{}{}
	b.provMu.Unlock()
	return nil
}

// Publish appends one message to the topic's stream. go-redis blocks on
// the connection's flow control; there is no unbounded client-side buffer.
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

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: encodeFields(msg, 1),
	}
	if b.opts.maxLenApprox > 0 {
		args.MaxLen = b.opts.maxLenApprox
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: omnibus/redis: publish to %q: %v", core.ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe starts a poller plus worker pool consuming the group until the
// subscription or broker closes.
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
	if err := b.ensureGroup(ctx, topic, opts.Group, opts.SendOptions); err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		cancel: cancel,
		errs:   make(chan error, 1),
	}

	workers := opts.Workers()
	workCh := make(chan *delivery, workers)

	for i := 0; i < workers; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for d := range workCh {
				if err := invoke(innerCtx, h, d); err != nil {
					_ = d.Nack(true)
				} else {
					_ = d.Ack()
				}
			}
		}()
	}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		b.pollLoop(innerCtx, topic, opts.Group, workCh, sub)
	}()
	if b.opts.claimMinIdle > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			b.claimLoop(innerCtx, topic, opts.Group, workCh)
		}()
	}

	// workCh closes only after every producer stopped.
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		producers.Wait()
		close(workCh)
	}()

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

func (b *Broker) pollLoop(ctx context.Context, topic, group string, workCh chan<- *delivery, sub *subscription) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.opts.consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(b.opts.batchSize),
		Block:    b.opts.block,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout, just loop again.
				continue
			}
			sub.report(fmt.Errorf("%w: omnibus/redis: read group %q: %v", core.ErrConsumeLoop, group, err))
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i := range res {
			for _, entry := range res[i].Messages {
				msg, attempt := decodeFields(entry.Values)
				d := &delivery{
					b:       b,
					topic:   topic,
					group:   group,
					entryID: entry.ID,
					msg:     msg,
					attempt: attempt,
				}
				select {
				case workCh <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// claimLoop steals pending entries abandoned by crashed consumers of the
// same group. Claimed entries never come back through XREADGROUP's ">"
// cursor, so they are dispatched to the workers directly.
func (b *Broker) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(b.opts.claimInterval)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		claimed, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: b.opts.consumer,
			MinIdle:  b.opts.claimMinIdle,
			Start:    start,
			Count:    int64(b.opts.batchSize),
		}).Result()
		if err != nil {
			continue
		}
		if next != "" {
			start = next
		}

		for _, entry := range claimed {
			msg, attempt := decodeFields(entry.Values)
			d := &delivery{
				b:       b,
				topic:   topic,
				group:   group,
				entryID: entry.ID,
				msg:     msg,
				attempt: attempt,
			}
			select {
			case workCh <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops every subscription and releases the client.
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
			errs = multierror.Append(errs, fmt.Errorf("omnibus/redis: close subscription: %w", err))
		}
	}
	if err := b.client.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("omnibus/redis: close client: %w", err))
	}
	return errs.ErrorOrNil()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func invoke(ctx context.Context, h core.Handler, d core.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("omnibus/redis: handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

type subscription struct {
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	errs      chan error
	closeOnce sync.Once
}

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.errs)
	})
	return nil
}

func (s *subscription) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
