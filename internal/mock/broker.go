package mock

import (
	"context"
	"sync"

	"github.com/omnibus-mq/omnibus/core"
)

// Broker is a test double for core.Broker. It records every publish and
// subscribe so tests can assert on what reached the "backend".
type Broker struct {
	Name string

	mu            sync.Mutex
	published     []PublishedMessage
	subscriptions []*Subscription
	handlers      map[string]core.Handler
	SubscribeErr  error
	PublishErr    error
	closed        bool
}

// PublishedMessage records a message sent through Publish.
type PublishedMessage struct {
	Topic   string
	Message *core.Message
	Opts    core.SendOptions
}

func NewBroker() *Broker {
	return &Broker{
		Name:     "mock",
		handlers: make(map[string]core.Handler),
	}
}

func (b *Broker) Provider() string { return b.Name }

func (b *Broker) Publish(_ context.Context, topic string, msg *core.Message, opts core.SendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.published = append(b.published, PublishedMessage{Topic: topic, Message: msg, Opts: opts})
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, h core.Handler, opts core.ConsumeOptions) (core.Subscription, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	b.handlers[topic] = h
	// Generous buffer so tests can inject several loop failures without
	// coordinating with the consumer side.
	sub := &Subscription{Topic: topic, Group: opts.Group, errs: make(chan error, 8)}
	b.subscriptions = append(b.subscriptions, sub)
	return sub, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subscriptions {
		_ = s.Close()
	}
	return nil
}

// Deliver simulates an incoming message for the handler subscribed to topic.
func (b *Broker) Deliver(ctx context.Context, topic string, d core.Delivery) error {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		return core.ErrNoHandler
	}
	return h(ctx, d)
}

// Published returns all messages sent via Publish.
func (b *Broker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// BackendCalls reports how many backend operations were recorded; tests use
// it to assert that validation failures never reached the backend.
func (b *Broker) BackendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published) + len(b.subscriptions)
}

// Subscriptions returns the recorded subscription handles.
func (b *Broker) Subscriptions() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, len(b.subscriptions))
	copy(out, b.subscriptions)
	return out
}

// IsClosed reports whether Close was called.
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscription is a test double for core.Subscription.
type Subscription struct {
	Topic string
	Group string

	mu     sync.Mutex
	closed bool
	errs   chan error
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.errs)
	}
	return nil
}

func (s *Subscription) Errors() <-chan error { return s.errs }

// Fail injects a consume-loop error, as an adapter would on an
// unrecoverable backend failure.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.errs <- err
	}
}

// IsClosed reports whether the subscription was closed.
func (s *Subscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
