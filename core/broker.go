package core

import "context"

// Broker is the contract every adapter implements. A Broker is constructed
// by a registered factory with its connections already open, used for any
// number of Publish/Subscribe calls, and finally closed. A closed Broker
// must not be reused.
type Broker interface {
	// Provider returns the registry name this broker was created under.
	Provider() string

	// Publish sends one message to a topic. It honors the backend's own
	// flow-control signal: the call may block on backpressure but never
	// drops or buffers unboundedly.
	Publish(ctx context.Context, topic string, msg *Message, opts SendOptions) error

	// Subscribe starts an independent, long-lived consume loop delivering
	// the topic's messages to the handler. Work is shared exclusively among
	// subscribers of one group; distinct groups each receive a full copy.
	Subscribe(ctx context.Context, topic string, h Handler, opts ConsumeOptions) (Subscription, error)

	// Close releases every connection, channel, and consume loop created by
	// prior calls. It is best-effort: failures are aggregated, not
	// short-circuited. In-flight handlers finish; no new deliveries start.
	Close() error
}

// Subscription is the handle for one consume loop.
type Subscription interface {
	// Close stops this loop without affecting the rest of the broker.
	// It is idempotent.
	Close() error

	// Errors reports unrecoverable consume-loop failures. The channel is
	// closed when the loop exits. Callers that ignore it lose nothing else;
	// the channel is buffered and never blocks the loop.
	Errors() <-chan error
}
