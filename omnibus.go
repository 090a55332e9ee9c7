// Package omnibus provides the top-level API for the Omnibus messaging
// facade. It re-exports core types for convenience, so users can write:
//
//	r := omnibus.New(b, "my-service")
//	r.Handle("orders.created", handler)
//	r.Start(ctx)
//
// For point-to-point queue semantics without a router, Send and Receive
// treat the topic name itself as the work queue.
package omnibus

import (
	"context"
	"strings"

	"github.com/omnibus-mq/omnibus/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Message        = core.Message
	Delivery       = core.Delivery
	Context        = core.Context
	Handler        = core.Handler
	HandlerFunc    = core.HandlerFunc
	MiddlewareFunc = core.MiddlewareFunc
	Broker         = core.Broker
	Subscription   = core.Subscription
	Router         = core.Router
	SendOptions    = core.SendOptions
	ConsumeOptions = core.ConsumeOptions
	Capabilities   = core.Capabilities
)

// New creates a new Router bound to the given Broker and consumer group.
func New(b Broker, group string) *Router {
	return core.New(b, group)
}

// NewMessage creates a Message with a fresh ID and the given body.
func NewMessage(body []byte) *Message {
	return core.NewMessage(body)
}

// Send publishes a message to a queue, provisioning it on first use.
// Queues here are just topics consumed by a single well-known group.
func Send(ctx context.Context, b Broker, queue string, msg *Message) error {
	return b.Publish(ctx, queue, msg, SendOptions{Ensure: true})
}

// Receive subscribes to a queue with a group derived from the queue name,
// so every receiver shares one queue's worth of work. Messages a handler
// rejects are redelivered.
func Receive(ctx context.Context, b Broker, queue string, h Handler) (Subscription, error) {
	// Group names cannot contain dots; the derived group is unique within
	// its own topic, so the rewrite cannot collide.
	group := strings.ReplaceAll(queue, ".", "-")
	return b.Subscribe(ctx, queue, h, ConsumeOptions{
		SendOptions: SendOptions{Ensure: true},
		Group:       group,
	})
}
