package core

import (
	"context"
	"fmt"
	"sync"
)

// Router is the consumer-facing routing engine. It provides an Echo-like
// API for registering topic handlers and middleware on top of a Broker.
type Router struct {
	broker      Broker
	group       string
	binder      Binder
	middlewares []MiddlewareFunc
	routes      map[string]route
	mu          sync.RWMutex
	started     bool
}

type route struct {
	handler HandlerFunc
	opts    ConsumeOptions
}

// New creates a Router bound to the given Broker. group is the consumer
// group used by Handle; every route can override it via HandleWithOptions.
// The router binds message bodies with JSONBinder by default.
func New(b Broker, group string) *Router {
	return &Router{
		broker: b,
		group:  group,
		binder: JSONBinder{},
		routes: make(map[string]route),
	}
}

// SetBinder replaces the message binder used by Context.Bind().
// Use this to switch to Protobuf, Avro, or any custom format.
func (r *Router) SetBinder(b Binder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binder = b
}

// Use registers global middleware. Middleware is applied in reverse
// registration order (last registered wraps outermost).
func (r *Router) Use(m MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m)
}

// Handle registers a handler for a topic using the router's default group
// and lazy provisioning.
func (r *Router) Handle(topic string, h HandlerFunc) {
	r.HandleWithOptions(topic, h, ConsumeOptions{
		SendOptions: SendOptions{Ensure: true},
		Group:       r.group,
	})
}

// HandleWithOptions registers a handler with explicit consume options.
func (r *Router) HandleWithOptions(topic string, h HandlerFunc, opts ConsumeOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = route{handler: h, opts: opts}
}

// Publish sends a message to the given topic through the broker.
func (r *Router) Publish(ctx context.Context, topic string, msg *Message) error {
	return r.broker.Publish(ctx, topic, msg, SendOptions{Ensure: true})
}

// Start subscribes every registered route and blocks until the context is
// cancelled or a consume loop fails. On return the broker is closed.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.broker == nil {
		r.mu.Unlock()
		return ErrNoBroker
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true

	// Snapshot routes, middleware, and config under lock
	routes := make(map[string]route, len(r.routes))
	for k, v := range r.routes {
		routes[k] = v
	}
	mws := make([]MiddlewareFunc, len(r.middlewares))
	copy(mws, r.middlewares)
	binder := r.binder
	broker := r.broker
	r.mu.Unlock()

	var (
		subs   []Subscription
		wg     sync.WaitGroup
		loopCh = make(chan error, len(routes))
	)

	for topic, rt := range routes {
		wrapped := applyMiddleware(rt.handler, mws)

		// Bridge from the raw delivery Handler to the Context-based HandlerFunc.
		bridge := func(c context.Context, d Delivery) error {
			return wrapped(NewContext(c, d, broker, binder))
		}

		sub, err := broker.Subscribe(ctx, topic, bridge, rt.opts)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			_ = broker.Close()
			return fmt.Errorf("omnibus: subscribe %q: %w", topic, err)
		}
		subs = append(subs, sub)

		// Funnel asynchronous consume-loop failures into one channel.
		wg.Add(1)
		go func(t string, errs <-chan error) {
			defer wg.Done()
			for err := range errs {
				loopCh <- fmt.Errorf("omnibus: consume %q: %w", t, err)
			}
		}(topic, sub.Errors())
	}

	go func() {
		wg.Wait()
		close(loopCh)
	}()

	var loopErr error
	select {
	case <-ctx.Done():
	case err, ok := <-loopCh:
		if ok {
			loopErr = err
		}
	}

	for _, s := range subs {
		_ = s.Close()
	}
	// Closing the subscriptions ends their error channels; drain loopCh so
	// funnels still forwarding can finish instead of blocking forever.
	go func() {
		for range loopCh {
		}
	}()
	if err := broker.Close(); err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}

// applyMiddleware wraps a handler with middleware in reverse order.
// Given middleware [A, B, C], the call order is A -> B -> C -> handler.
func applyMiddleware(h HandlerFunc, mws []MiddlewareFunc) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
