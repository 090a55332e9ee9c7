package core

import (
	"context"
	"fmt"
	"sync"
)

// Context is the handler context used by the Router. It wraps the incoming
// Delivery, provides deserialization via Bind, and exposes settlement
// methods (Ack, Nack, Republish).
type Context interface {
	// Context returns the underlying context.Context.
	Context() context.Context

	// SetContext replaces the underlying context.Context.
	// Useful for middleware that enriches the context with values or deadlines.
	SetContext(ctx context.Context)

	// Delivery returns the raw underlying Delivery.
	Delivery() Delivery

	// Topic returns the topic this message was received on.
	Topic() string

	// ID returns the logical message ID.
	ID() string

	// Body returns the raw message body.
	Body() []byte

	// Header returns a single header value by key.
	Header(key string) string

	// Headers returns all message headers.
	Headers() map[string]string

	// Attempt returns the delivery attempt counter.
	Attempt() int

	// Bind deserializes the message body into the given struct
	// using the router's configured Binder.
	Bind(v any) error

	// Ack acknowledges the delivery.
	Ack() error

	// Nack negatively acknowledges the delivery; requeue requests
	// redelivery, otherwise the message is dead-lettered or discarded.
	Nack(requeue bool) error

	// Republish sends the current message to a different topic.
	// Useful for dead-letter routing, fan-out, or saga patterns.
	Republish(topic string) error

	// Set stores a key-value pair in the context store.
	// Used by middleware to pass data to downstream handlers.
	Set(key string, val any)

	// Get retrieves a value from the context store.
	Get(key string) (any, bool)
}

// HandlerFunc is the function signature for Router handlers.
//
//	r.Handle("orders.created", func(c omnibus.Context) error {
//	    var order Order
//	    if err := c.Bind(&order); err != nil {
//	        return err
//	    }
//	    // process order...
//	    return c.Ack()
//	})
type HandlerFunc func(c Context) error

// MiddlewareFunc wraps a HandlerFunc to add cross-cutting behavior.
//
//	func MyMiddleware() omnibus.MiddlewareFunc {
//	    return func(next omnibus.HandlerFunc) omnibus.HandlerFunc {
//	        return func(c omnibus.Context) error {
//	            // before
//	            err := next(c)
//	            // after
//	            return err
//	        }
//	    }
//	}
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// ---------------------------------------------------------------------------
// Default implementation
// ---------------------------------------------------------------------------

type eventContext struct {
	ctx    context.Context
	d      Delivery
	broker Broker
	binder Binder
	store  map[string]any
	mu     sync.RWMutex
}

// NewContext creates a Context for the given delivery.
// This is called internally by the Router for each incoming message.
func NewContext(ctx context.Context, d Delivery, b Broker, binder Binder) Context {
	return &eventContext{
		ctx:    ctx,
		d:      d,
		broker: b,
		binder: binder,
		store:  make(map[string]any),
	}
}

func (c *eventContext) Context() context.Context { return c.ctx }

func (c *eventContext) SetContext(ctx context.Context) { c.ctx = ctx }

func (c *eventContext) Delivery() Delivery { return c.d }

func (c *eventContext) Topic() string { return c.d.Topic() }

func (c *eventContext) ID() string { return c.d.ID() }

func (c *eventContext) Body() []byte { return c.d.Body() }

func (c *eventContext) Header(key string) string {
	return c.d.Headers()[key]
}

func (c *eventContext) Headers() map[string]string {
	return c.d.Headers()
}

func (c *eventContext) Attempt() int { return c.d.Attempt() }

func (c *eventContext) Bind(v any) error {
	if c.binder == nil {
		return fmt.Errorf("omnibus: no binder configured")
	}
	if err := c.binder.Bind(c.d.Body(), v); err != nil {
		return fmt.Errorf("omnibus: bind: %w", err)
	}
	return nil
}

func (c *eventContext) Ack() error {
	if err := c.d.Ack(); err != nil {
		return fmt.Errorf("omnibus: ack: %w", err)
	}
	return nil
}

func (c *eventContext) Nack(requeue bool) error {
	if err := c.d.Nack(requeue); err != nil {
		return fmt.Errorf("omnibus: nack: %w", err)
	}
	return nil
}

func (c *eventContext) Republish(topic string) error {
	if c.broker == nil {
		return ErrNoBroker
	}
	msg := &Message{ID: c.d.ID(), Body: c.d.Body(), Headers: c.d.Headers()}
	if err := c.broker.Publish(c.ctx, topic, msg, SendOptions{Ensure: true}); err != nil {
		return fmt.Errorf("omnibus: republish to %q: %w", topic, err)
	}
	return nil
}

func (c *eventContext) Set(key string, val any) {
	c.mu.Lock()
	c.store[key] = val
	c.mu.Unlock()
}

func (c *eventContext) Get(key string) (any, bool) {
	c.mu.RLock()
	val, ok := c.store[key]
	c.mu.RUnlock()
	return val, ok
}
