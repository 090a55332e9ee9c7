// Package memory provides an in-process broker backed by a retained
// message log, for testing and local development.
//
// Mapping rules:
//   - topic -> a retained in-memory log, split into a high-priority and a
//     normal sub-log.
//   - group -> a cursor pair over the topic's logs plus a redelivery queue;
//     all subscriptions of one group share the cursors (work-sharing),
//     distinct groups advance independently (fan-out). Groups created after
//     publication start at the beginning of the log and catch up.
//   - ensure -> creates the topic log or group cursors if absent; without
//     ensure, an absent resource fails with ErrResourceMissing.
//   - priority -> bucket selection between the two sub-logs; the high log
//     is always drained first (PriorityBuckets).
//
// Nack(requeue=true) re-offers the message after the configured delay until
// maxDeliver attempts, then dead-letters it. Nack(requeue=false)
// dead-letters immediately. Dead-lettered messages stay inspectable via
// DeadLettered.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omnibus-mq/omnibus/broker"
	"github.com/omnibus-mq/omnibus/core"
)

// ProviderName is the name used to register this adapter.
const ProviderName = "memory"

// Register adds the memory adapter to the given registry.
func Register(r *broker.Registry) error {
	return r.Register(ProviderName, func(cfg broker.Config) (core.Broker, error) {
		return New(optsFromConfig(cfg)...), nil
	}, Capabilities())
}

// Capabilities declares what this adapter can express.
func Capabilities() core.Capabilities {
	return core.Capabilities{
		Provider:           ProviderName,
		SupportsNack:       true,
		SupportsDeadLetter: true,
		SupportsDelay:      true,
		SupportsOrdering:   true,
		Priority:           core.PriorityBuckets,
	}
}

// Broker implements core.Broker against in-process state.
type Broker struct {
	opts options

	mu     sync.RWMutex
	topics map[string]*topicState
	subs   []*subscription

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a memory Broker.
func New(fns ...Option) *Broker {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Broker{
		opts:   opts,
		topics: make(map[string]*topicState),
	}
}

func (b *Broker) Provider() string { return ProviderName }

// topicState holds one topic's retained logs and groups. A single mutex
// guards the logs and every group's cursors; the conds share it.
type topicState struct {
	mu      sync.Mutex
	pubCond *sync.Cond // publishers waiting out backpressure
	high    []*core.Message
	normal  []*core.Message
	groups  map[string]*groupState
}

type groupState struct {
	name string
	cond *sync.Cond // on topicState.mu

	cursorHigh   int
	cursorNormal int
	redeliver    []*task
	dead         []*core.Message
}

type task struct {
	msg     *core.Message
	attempt int
}

func newTopicState() *topicState {
	ts := &topicState{groups: make(map[string]*groupState)}
	ts.pubCond = sync.NewCond(&ts.mu)
	return ts
}

func (ts *topicState) newGroupLocked(name string) *groupState {
	g := &groupState{name: name}
	g.cond = sync.NewCond(&ts.mu)
	ts.groups[name] = g
	return g
}

// backlogLocked is the largest undelivered count across groups; topics with
// no groups yet only retain, so they never exert backpressure.
func (ts *topicState) backlogLocked() int {
	max := 0
	for _, g := range ts.groups {
		n := (len(ts.high) - g.cursorHigh) + (len(ts.normal) - g.cursorNormal) + len(g.redeliver)
		if n > max {
			max = n
		}
	}
	return max
}

// takeLocked pops the next task for the group: redeliveries first, then the
// high log, then the normal log.
func (ts *topicState) takeLocked(g *groupState) *task {
	if len(g.redeliver) > 0 {
		t := g.redeliver[0]
		g.redeliver = g.redeliver[1:]
		// Redelivery entries count toward the backlog, so draining one can
		// free a publisher blocked on backpressure.
		ts.pubCond.Broadcast()
		return t
	}
	if g.cursorHigh < len(ts.high) {
		t := &task{msg: ts.high[g.cursorHigh], attempt: 1}
		g.cursorHigh++
		ts.pubCond.Broadcast()
		return t
	}
	if g.cursorNormal < len(ts.normal) {
		t := &task{msg: ts.normal[g.cursorNormal], attempt: 1}
		g.cursorNormal++
		ts.pubCond.Broadcast()
		return t
	}
	return nil
}

// topic resolves or provisions a topic's state. Creation is check-then-act
// under the broker lock; losing the race to another creator is success.
func (b *Broker) topic(name string, opts core.SendOptions) (*topicState, error) {
	b.mu.RLock()
	ts, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return ts, nil
	}
	if !opts.Ensure {
		return nil, &core.ResourceMissingError{Provider: ProviderName, Resource: name}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[name]; ok {
		return ts, nil
	}
	ts = newTopicState()
	b.topics[name] = ts
	return ts, nil
}

// Publish appends the message to the topic's retained log and wakes every
// group. It blocks while any group's backlog is at the buffer limit.
func (b *Broker) Publish(ctx context.Context, topic string, msg *core.Message, opts core.SendOptions) error {
	if b.closed.Load() {
		return core.ErrBrokerClosed
	}
	if err := core.ValidateTopic(topic); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("omnibus/memory: message is nil")
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}

	ts, err := b.topic(topic, opts)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	for ts.backlogLocked() >= b.opts.bufferSize {
		if b.closed.Load() {
			ts.mu.Unlock()
			return core.ErrBrokerClosed
		}
		if ctx.Err() != nil {
			ts.mu.Unlock()
			return fmt.Errorf("%w: %v", core.ErrPublishFailed, ctx.Err())
		}
		ts.pubCond.Wait()
	}
	// The log keeps its own copy; the caller may reuse or mutate msg after
	// Publish returns.
	stored := &core.Message{ID: msg.ID, Body: msg.Body, Headers: copyHeaders(msg.Headers)}
	if opts.Priority >= b.opts.priorityThreshold && opts.Priority > 0 {
		ts.high = append(ts.high, stored)
	} else {
		ts.normal = append(ts.normal, stored)
	}
	for _, g := range ts.groups {
		g.cond.Broadcast()
	}
	ts.mu.Unlock()
	return nil
}

// Subscribe attaches workers to the topic+group cursors. Subscriptions of
// the same group split the log exclusively; each new group receives its own
// full copy starting from the beginning of the retained log.
func (b *Broker) Subscribe(ctx context.Context, topic string, h core.Handler, opts core.ConsumeOptions) (core.Subscription, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, core.ErrBrokerClosed
	}
	if err := core.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := core.ValidateGroup(opts.Group); err != nil {
		return nil, err
	}

	ts, err := b.topic(topic, opts.SendOptions)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	g, ok := ts.groups[opts.Group]
	if !ok {
		if !opts.Ensure {
			ts.mu.Unlock()
			return nil, &core.ResourceMissingError{Provider: ProviderName, Resource: core.QueueName(topic, opts.Group)}
		}
		g = ts.newGroupLocked(opts.Group)
	}
	ts.mu.Unlock()

	sub := &subscription{
		b:     b,
		ts:    ts,
		g:     g,
		topic: topic,
		errs:  make(chan error, 1),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, core.ErrBrokerClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	for i := 0; i < opts.Workers(); i++ {
		b.wg.Add(1)
		sub.wg.Add(1)
		go sub.run(ctx, h)
	}
	return sub, nil
}

// Close stops every subscription and wakes all blocked publishers. It is
// idempotent; in-flight handlers finish before Close returns.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	topics := make([]*topicState, 0, len(b.topics))
	for _, ts := range b.topics {
		topics = append(topics, ts)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, ts := range topics {
		ts.mu.Lock()
		ts.pubCond.Broadcast()
		for _, g := range ts.groups {
			g.cond.Broadcast()
		}
		ts.mu.Unlock()
	}
	b.wg.Wait()

	for _, sub := range subs {
		sub.finish()
	}
	return nil
}

// DeadLettered returns copies of the messages dead-lettered for a group,
// for tests and operational inspection.
func (b *Broker) DeadLettered(topic, group string) []*core.Message {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	g, ok := ts.groups[group]
	if !ok {
		return nil
	}
	out := make([]*core.Message, len(g.dead))
	copy(out, g.dead)
	return out
}

type subscription struct {
	b     *Broker
	ts    *topicState
	g     *groupState
	topic string

	stopped  atomic.Bool
	finished atomic.Bool
	wg       sync.WaitGroup
	errs     chan error
}

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.stop()
	s.ts.mu.Lock()
	s.g.cond.Broadcast()
	s.ts.mu.Unlock()
	s.wg.Wait()
	s.finish()
	return nil
}

func (s *subscription) stop() { s.stopped.Store(true) }

func (s *subscription) finish() {
	if s.finished.CompareAndSwap(false, true) {
		close(s.errs)
	}
}

func (s *subscription) run(ctx context.Context, h core.Handler) {
	defer s.b.wg.Done()
	defer s.wg.Done()

	for {
		t := s.next(ctx)
		if t == nil {
			return
		}
		d := &delivery{b: s.b, ts: s.ts, g: s.g, t: t, topic: s.topic}
		if err := invoke(ctx, h, d); err != nil {
			_ = d.Nack(true)
		} else {
			_ = d.Ack()
		}
	}
}

func (s *subscription) next(ctx context.Context) *task {
	s.ts.mu.Lock()
	defer s.ts.mu.Unlock()
	for {
		if s.stopped.Load() || s.b.closed.Load() || ctx.Err() != nil {
			return nil
		}
		if t := s.ts.takeLocked(s.g); t != nil {
			return t
		}
		s.g.cond.Wait()
	}
}

// invoke shields the consume loop from handler panics; a panicking handler
// must fail the delivery, never vanish as an ack.
func invoke(ctx context.Context, h core.Handler, d core.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("omnibus/memory: handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

type delivery struct {
	b     *Broker
	ts    *topicState
	g     *groupState
	t     *task
	topic string

	settled atomic.Bool
}

func (d *delivery) ID() string    { return d.t.msg.ID }
func (d *delivery) Topic() string { return d.topic }
func (d *delivery) Body() []byte  { return d.t.msg.Body }
func (d *delivery) Attempt() int  { return d.t.attempt }

// Headers returns a copy: the log entry is shared by every group consuming
// the topic, so a handler mutating its view must not leak across groups.
func (d *delivery) Headers() map[string]string { return copyHeaders(d.t.msg.Headers) }

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (d *delivery) Ack() error {
	d.settled.CompareAndSwap(false, true)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if !requeue || d.t.attempt >= d.b.opts.maxDeliver {
		d.deadLetter()
		return nil
	}

	redeliver := func() {
		d.ts.mu.Lock()
		d.g.redeliver = append(d.g.redeliver, &task{msg: d.t.msg, attempt: d.t.attempt + 1})
		d.g.cond.Broadcast()
		d.ts.mu.Unlock()
	}
	if delay := d.b.opts.redeliveryDelay; delay > 0 && !d.b.closed.Load() {
		time.AfterFunc(delay, redeliver)
	} else {
		redeliver()
	}
	return nil
}

func (d *delivery) deadLetter() {
	d.ts.mu.Lock()
	d.g.dead = append(d.g.dead, d.t.msg)
	d.ts.mu.Unlock()
}
