package core

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is the broker-agnostic unit of data on the publish side.
// The zero value is publishable; adapters assign an ID when none is set.
type Message struct {
	// ID identifies the logical message. It is stable across redeliveries
	// and is used for deduplication by idempotent consumers.
	ID string

	// Body is the payload, opaque to the facade.
	Body []byte

	// Headers carries string metadata. Insertion order is irrelevant.
	Headers map[string]string
}

// NewMessage creates a Message with a fresh ULID and the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		ID:      NewID(),
		Body:    body,
		Headers: map[string]string{},
	}
}

// NewID returns a fresh ULID string. Adapters use it to assign IDs to
// messages published without one.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Delivery is one delivery of a message to a consumer. Ack and Nack are
// scoped to this delivery: a redelivered message arrives as a new Delivery.
// The first settlement wins; later Ack/Nack calls are no-ops returning nil.
type Delivery interface {
	// ID returns the logical message ID, stable across redeliveries.
	ID() string

	// Topic returns the topic this delivery arrived on.
	Topic() string

	// Body returns the raw payload.
	Body() []byte

	// Headers returns the message metadata.
	Headers() map[string]string

	// Attempt returns the 1-based delivery attempt where the adapter tracks
	// attempts; adapters without attempt accounting always return 1.
	Attempt() int

	// Ack marks the delivery as processed. The backend will not redeliver.
	Ack() error

	// Nack signals failed processing. With requeue the message is scheduled
	// for redelivery; without it the message is dead-lettered or discarded,
	// depending on the adapter's capabilities.
	Nack(requeue bool) error
}

// Handler consumes one delivery. Returning a non-nil error without settling
// causes the adapter to Nack(requeue=true) on the handler's behalf;
// returning nil without settling causes an Ack.
type Handler func(ctx context.Context, d Delivery) error

// Middleware wraps a Handler to add cross-cutting behavior around raw
// deliveries. Router users should prefer MiddlewareFunc, which receives a
// Context.
type Middleware func(Handler) Handler
