package core_test

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnibus-mq/omnibus/core"
	"github.com/omnibus-mq/omnibus/internal/mock"
)

func TestRouter_HandleAndStart(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")

	var called atomic.Bool
	r.Handle("orders.created", func(c core.Context) error {
		called.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Start(ctx)
	}()

	// Give Start time to subscribe
	time.Sleep(50 * time.Millisecond)

	d := &mock.Delivery{MsgID: "m1", On: "orders.created", B: []byte(`{}`)}
	if err := mb.Deliver(ctx, "orders.created", d); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if !called.Load() {
		t.Error("handler was not called")
	}

	subs := mb.Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Group != "test-service" {
		t.Errorf("subscribed with group %q, want %q", subs[0].Group, "test-service")
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if !mb.IsClosed() {
		t.Error("broker should be closed after Start returns")
	}
}

func TestRouter_Middleware(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")

	var order []string

	mw := func(name string) core.MiddlewareFunc {
		return func(next core.HandlerFunc) core.HandlerFunc {
			return func(c core.Context) error {
				order = append(order, name+":before")
				err := next(c)
				order = append(order, name+":after")
				return err
			}
		}
	}

	r.Use(mw("A"))
	r.Use(mw("B"))

	r.Handle("test.topic", func(c core.Context) error {
		order = append(order, "handler")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	d := &mock.Delivery{MsgID: "m1", On: "test.topic"}
	if err := mb.Deliver(ctx, "test.topic", d); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)

	// applyMiddleware loops from end to start, so A wraps B wraps handler.
	// Call order: A:before -> B:before -> handler -> B:after -> A:after
	expected := []string{"A:before", "B:before", "handler", "B:after", "A:after"}
	if len(order) != len(expected) {
		t.Fatalf("got %v, want %v", order, expected)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("order[%d] = %q, want %q", i, order[i], v)
		}
	}
}

func TestRouter_Publish(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")

	if err := r.Publish(context.Background(), "out.topic", core.NewMessage([]byte("v"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pubs := mb.Published()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pubs))
	}
	if pubs[0].Topic != "out.topic" {
		t.Errorf("published to %q, want %q", pubs[0].Topic, "out.topic")
	}
	if !pubs[0].Opts.Ensure {
		t.Error("router publishes should provision lazily")
	}
	if pubs[0].Message.ID == "" {
		t.Error("message ID was not assigned")
	}
}

func TestRouter_NilBroker(t *testing.T) {
	r := core.New(nil, "test-service")
	err := r.Start(context.Background())
	if err != core.ErrNoBroker {
		t.Errorf("expected ErrNoBroker, got %v", err)
	}
}

func TestRouter_DoubleStart(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { r.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	err := r.Start(ctx)
	if err != core.ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRouter_ConsumeLoopFailureStopsStart(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")
	r.Handle("orders.created", func(c core.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Start(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	loopErr := errors.New("connection lost")
	mb.Subscriptions()[0].Fail(loopErr)

	select {
	case err := <-errCh:
		if !errors.Is(err, loopErr) {
			t.Errorf("Start returned %v, want the injected loop error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after a consume loop failure")
	}

	if !mb.IsClosed() {
		t.Error("broker should be closed after a consume loop failure")
	}
}

// A subscription can emit more loop errors than Start consumes; the extra
// ones must be drained so no forwarding goroutine outlives Start.
func TestRouter_DrainsLoopErrorsAfterStop(t *testing.T) {
	mb := mock.NewBroker()
	r := core.New(mb, "test-service")
	r.Handle("orders.created", func(c core.Context) error { return nil })
	r.Handle("orders.updated", func(c core.Context) error { return nil })

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Start(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	loopErr := errors.New("connection lost")
	for _, s := range mb.Subscriptions() {
		for i := 0; i < 3; i++ {
			s.Fail(loopErr)
		}
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, loopErr) {
			t.Errorf("Start returned %v, want the injected loop error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after a consume loop failure")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d goroutines before Start, %d after: error forwarding goroutines did not exit", before, runtime.NumGoroutine())
}

func TestRouter_SubscribeErrorClosesBroker(t *testing.T) {
	mb := mock.NewBroker()
	mb.SubscribeErr = errors.New("boom")
	r := core.New(mb, "test-service")
	r.Handle("orders.created", func(c core.Context) error { return nil })

	err := r.Start(context.Background())
	if err == nil || !errors.Is(err, mb.SubscribeErr) {
		t.Errorf("Start = %v, want the subscribe error", err)
	}
	if !mb.IsClosed() {
		t.Error("broker should be closed when Start fails to subscribe")
	}
}
