package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibus-mq/omnibus/core"
	"github.com/omnibus-mq/omnibus/plugins/memory"
)

func ensureOpts(group string) core.ConsumeOptions {
	return core.ConsumeOptions{
		SendOptions: core.SendOptions{Ensure: true},
		Group:       group,
	}
}

func publishN(t *testing.T, b *memory.Broker, topic string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := core.NewMessage([]byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, b.Publish(context.Background(), topic, msg, core.SendOptions{Ensure: true}))
		ids = append(ids, msg.ID)
	}
	return ids
}

// collector accumulates delivered message IDs until a target count is hit.
type collector struct {
	mu   sync.Mutex
	ids  []string
	done chan struct{}
	want int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) handler(_ context.Context, d core.Delivery) error {
	c.mu.Lock()
	c.ids = append(c.ids, d.ID())
	if len(c.ids) == c.want {
		close(c.done)
	}
	c.mu.Unlock()
	return nil
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		got := len(c.ids)
		c.mu.Unlock()
		t.Fatalf("timed out waiting for %d deliveries, got %d", c.want, got)
	}
	// Settle a moment so duplicate deliveries would be visible.
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

func TestGroupRequiredBeforeAnyWork(t *testing.T) {
	b := memory.New()
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "orders.created", func(context.Context, core.Delivery) error {
		return nil
	}, core.ConsumeOptions{SendOptions: core.SendOptions{Ensure: true}})

	require.ErrorIs(t, err, core.ErrGroupRequired)

	// The topic must not have been provisioned as a side effect.
	err = b.Publish(context.Background(), "orders.created", core.NewMessage(nil), core.SendOptions{})
	require.ErrorIs(t, err, core.ErrResourceMissing)
}

func TestResourceMissingWithoutEnsure(t *testing.T) {
	b := memory.New()
	defer b.Close()

	err := b.Publish(context.Background(), "orders.created", core.NewMessage(nil), core.SendOptions{})
	require.ErrorIs(t, err, core.ErrResourceMissing)

	var rme *core.ResourceMissingError
	require.ErrorAs(t, err, &rme)
	assert.Equal(t, "orders.created", rme.Resource)

	_, err = b.Subscribe(context.Background(), "orders.created", func(context.Context, core.Delivery) error {
		return nil
	}, core.ConsumeOptions{Group: "billing"})
	require.ErrorIs(t, err, core.ErrResourceMissing)
}

func TestProvisioningIsIdempotent(t *testing.T) {
	b := memory.New()
	defer b.Close()

	// Publishing twice with ensure must not reset the retained log.
	publishN(t, b, "orders.created", 1)
	publishN(t, b, "orders.created", 1)

	col := newCollector(2)
	sub, err := b.Subscribe(context.Background(), "orders.created", col.handler, ensureOpts("billing"))
	require.NoError(t, err)
	defer sub.Close()

	assert.Len(t, col.wait(t), 2)
}

// A group created after publication receives the retained backlog exactly
// once across its subscribers.
func TestLateGroupCatchesUp(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ids := publishN(t, b, "orders.created", 100)

	col := newCollector(100)
	var subs []core.Subscription
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(context.Background(), "orders.created", col.handler, ensureOpts("billing"))
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	got := col.wait(t)
	require.Len(t, got, 100, "each message must be delivered exactly once within the group")

	seen := make(map[string]bool, len(got))
	for _, id := range got {
		require.False(t, seen[id], "duplicate delivery of %s", id)
		seen[id] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "message %s never delivered", id)
	}
}

// Two groups on one topic each receive every message.
func TestFanOutAcrossGroups(t *testing.T) {
	b := memory.New()
	defer b.Close()

	billing := newCollector(10)
	shipping := newCollector(10)

	sub1, err := b.Subscribe(context.Background(), "orders.created", billing.handler, ensureOpts("billing"))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(context.Background(), "orders.created", shipping.handler, ensureOpts("shipping"))
	require.NoError(t, err)
	defer sub2.Close()

	ids := publishN(t, b, "orders.created", 10)

	gotBilling := billing.wait(t)
	gotShipping := shipping.wait(t)
	require.Len(t, gotBilling, 10)
	require.Len(t, gotShipping, 10)

	for _, got := range [][]string{gotBilling, gotShipping} {
		seen := make(map[string]bool)
		for _, id := range got {
			seen[id] = true
		}
		for _, id := range ids {
			assert.True(t, seen[id])
		}
	}
}

// Subscribers sharing a group split the work without duplicates.
func TestWorkSharingWithinGroup(t *testing.T) {
	b := memory.New()
	defer b.Close()

	const n = 50
	col := newCollector(n)

	sub1, err := b.Subscribe(context.Background(), "jobs", col.handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(context.Background(), "jobs", col.handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub2.Close()

	publishN(t, b, "jobs", n)

	got := col.wait(t)
	require.Len(t, got, n)
	seen := make(map[string]bool)
	for _, id := range got {
		require.False(t, seen[id], "message %s delivered to both group members", id)
		seen[id] = true
	}
}

// A handler that fails once sees the message again and can settle it; the
// failure of one message must not disturb its neighbors.
func TestRedeliveryAfterHandlerError(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ids := publishN(t, b, "orders.created", 10)
	poison := ids[5]

	var failedOnce atomic.Bool
	var mu sync.Mutex
	acked := make(map[string]int)
	done := make(chan struct{})

	handler := func(_ context.Context, d core.Delivery) error {
		if d.ID() == poison && failedOnce.CompareAndSwap(false, true) {
			return errors.New("transient failure")
		}
		mu.Lock()
		acked[d.ID()]++
		if len(acked) == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	sub, err := b.Subscribe(context.Background(), "orders.created", handler, ensureOpts("billing"))
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all messages to be processed")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range acked {
		assert.Equal(t, 1, n, "message %s acked %d times", id, n)
	}
	assert.True(t, failedOnce.Load(), "poison message never reached the handler")
}

func TestRedeliveryCarriesAttemptCounter(t *testing.T) {
	b := memory.New()
	defer b.Close()

	attempts := make(chan int, 4)
	handler := func(_ context.Context, d core.Delivery) error {
		attempts <- d.Attempt()
		if d.Attempt() < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	sub, err := b.Subscribe(context.Background(), "jobs", handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, b, "jobs", 1)

	for want := 1; want <= 3; want++ {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for attempt %d", want)
		}
	}
}

func TestDeadLetterAfterMaxDeliver(t *testing.T) {
	b := memory.New(memory.WithMaxDeliver(3))
	defer b.Close()

	var deliveries atomic.Int32
	handler := func(context.Context, core.Delivery) error {
		deliveries.Add(1)
		return errors.New("always fails")
	}

	sub, err := b.Subscribe(context.Background(), "jobs", handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	ids := publishN(t, b, "jobs", 1)

	require.Eventually(t, func() bool {
		return len(b.DeadLettered("jobs", "workers")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), deliveries.Load())
	assert.Equal(t, ids[0], b.DeadLettered("jobs", "workers")[0].ID)
}

func TestNackWithoutRequeueDeadLettersImmediately(t *testing.T) {
	b := memory.New()
	defer b.Close()

	var deliveries atomic.Int32
	handler := func(_ context.Context, d core.Delivery) error {
		deliveries.Add(1)
		return d.Nack(false)
	}

	sub, err := b.Subscribe(context.Background(), "jobs", handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, b, "jobs", 1)

	require.Eventually(t, func() bool {
		return len(b.DeadLettered("jobs", "workers")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load())
}

func TestPanickingHandlerIsRedelivered(t *testing.T) {
	b := memory.New()
	defer b.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	handler := func(context.Context, core.Delivery) error {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		close(done)
		return nil
	}

	sub, err := b.Subscribe(context.Background(), "jobs", handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, b, "jobs", 1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not redelivered after a panic")
	}
}

// High-priority messages already in the backlog are drained before normal
// ones.
func TestPriorityBuckets(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx := context.Background()
	low := core.NewMessage([]byte("low"))
	high := core.NewMessage([]byte("high"))
	require.NoError(t, b.Publish(ctx, "jobs", low, core.SendOptions{Ensure: true}))
	require.NoError(t, b.Publish(ctx, "jobs", high, core.SendOptions{Ensure: true, Priority: 9}))

	col := newCollector(2)
	sub, err := b.Subscribe(ctx, "jobs", col.handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	got := col.wait(t)
	require.Equal(t, []string{high.ID, low.ID}, got)
}

func TestPublishAssignsID(t *testing.T) {
	b := memory.New()
	defer b.Close()

	msg := &core.Message{Body: []byte("x")}
	require.NoError(t, b.Publish(context.Background(), "jobs", msg, core.SendOptions{Ensure: true}))
	assert.NotEmpty(t, msg.ID)
}

func TestCloseIsIdempotentAndStopsWork(t *testing.T) {
	b := memory.New()

	sub, err := b.Subscribe(context.Background(), "jobs", func(context.Context, core.Delivery) error {
		return nil
	}, ensureOpts("workers"))
	require.NoError(t, err)
	_ = sub

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err = b.Publish(context.Background(), "jobs", core.NewMessage(nil), core.SendOptions{Ensure: true})
	require.ErrorIs(t, err, core.ErrBrokerClosed)

	_, err = b.Subscribe(context.Background(), "jobs", func(context.Context, core.Delivery) error {
		return nil
	}, ensureOpts("workers"))
	require.ErrorIs(t, err, core.ErrBrokerClosed)
}

// A publisher blocked on backpressure must wake when the backlog drains
// through the redelivery queue, not only when a log cursor advances.
func TestPublishUnblocksAfterRedeliveryDrain(t *testing.T) {
	b := memory.New(memory.WithBufferSize(1))
	defer b.Close()

	ctx := context.Background()
	gate := make(chan struct{})
	nacked := make(chan struct{})
	var first atomic.Bool
	handler := func(_ context.Context, d core.Delivery) error {
		if first.CompareAndSwap(false, true) {
			require.NoError(t, d.Nack(true))
			close(nacked)
			// Hold the worker so the redelivery entry stays queued and
			// keeps the backlog at the limit.
			<-gate
		}
		return nil
	}

	sub, err := b.Subscribe(ctx, "jobs", handler, ensureOpts("workers"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "jobs", core.NewMessage([]byte("first")), core.SendOptions{Ensure: true}))

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("first message never reached the handler")
	}

	published := make(chan error, 1)
	go func() {
		published <- b.Publish(ctx, "jobs", core.NewMessage([]byte("second")), core.SendOptions{Ensure: true})
	}()

	// With the redelivery entry pending the backlog is at the limit, so the
	// second publish must be waiting.
	select {
	case err := <-published:
		t.Fatalf("publish returned before the backlog drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish stayed blocked after the backlog drained")
	}
}

// The retained log must not alias caller or handler state: mutating the
// published message after Publish, or a delivered header map, must not be
// visible to other groups.
func TestDeliveryHeadersAreIsolated(t *testing.T) {
	b := memory.New()
	defer b.Close()

	ctx := context.Background()
	msg := core.NewMessage([]byte("payload"))
	msg.Headers["trace"] = "abc"
	require.NoError(t, b.Publish(ctx, "orders.created", msg, core.SendOptions{Ensure: true}))
	msg.Headers["trace"] = "mutated-by-publisher"

	seen := make(chan string, 2)
	mutating := func(_ context.Context, d core.Delivery) error {
		h := d.Headers()
		seen <- h["trace"]
		h["trace"] = "mutated-by-handler"
		return nil
	}
	observing := func(_ context.Context, d core.Delivery) error {
		seen <- d.Headers()["trace"]
		return nil
	}

	sub1, err := b.Subscribe(ctx, "orders.created", mutating, ensureOpts("billing"))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "orders.created", observing, ensureOpts("shipping"))
	require.NoError(t, err)
	defer sub2.Close()

	for i := 0; i < 2; i++ {
		select {
		case got := <-seen:
			assert.Equal(t, "abc", got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
}

func TestConcurrencySpawnsWorkers(t *testing.T) {
	b := memory.New()
	defer b.Close()

	const n = 20
	var inFlight, peak atomic.Int32
	col := newCollector(n)

	handler := func(ctx context.Context, d core.Delivery) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return col.handler(ctx, d)
	}

	opts := ensureOpts("workers")
	opts.Concurrency = 4
	sub, err := b.Subscribe(context.Background(), "jobs", handler, opts)
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, b, "jobs", n)
	col.wait(t)

	assert.Greater(t, peak.Load(), int32(1), "expected concurrent handler execution")
}
