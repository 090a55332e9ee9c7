package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("omnibus: broker is closed")

	// ErrGroupRequired is returned when a consume-side call omits the
	// mandatory group. It is raised before any backend I/O.
	ErrGroupRequired = errors.New("omnibus: consumer group is required")

	// ErrResourceMissing is returned when Ensure is false and the addressed
	// backend resource does not exist.
	ErrResourceMissing = errors.New("omnibus: resource does not exist")

	// ErrProvisionFailed is returned when resource creation requested via
	// Ensure failed for a reason other than "already exists".
	ErrProvisionFailed = errors.New("omnibus: provisioning failed")

	// ErrPublishFailed is returned when the backend rejected or could not
	// accept a send after its own flow control was honored.
	ErrPublishFailed = errors.New("omnibus: publish failed")

	// ErrAckFailed is returned when the backend rejected an ack or nack,
	// for example because the delivery already expired.
	ErrAckFailed = errors.New("omnibus: acknowledge failed")

	// ErrConsumeLoop wraps unrecoverable errors from a background consume
	// loop, surfaced through Subscription.Errors.
	ErrConsumeLoop = errors.New("omnibus: consume loop failed")

	// ErrNoHandler is returned when no route matches the incoming topic.
	ErrNoHandler = errors.New("omnibus: no handler registered for topic")

	// ErrAlreadyStarted is returned when Start is called on a running router.
	ErrAlreadyStarted = errors.New("omnibus: router already started")

	// ErrNoBroker is returned when a router is created without a broker.
	ErrNoBroker = errors.New("omnibus: broker is nil")
)

// ResourceMissingError names the absent resource. It unwraps to
// ErrResourceMissing.
type ResourceMissingError struct {
	Provider string
	Resource string
}

func (e *ResourceMissingError) Error() string {
	return fmt.Sprintf("omnibus/%s: resource %q does not exist (publish or subscribe with Ensure to create it)", e.Provider, e.Resource)
}

func (e *ResourceMissingError) Unwrap() error { return ErrResourceMissing }

// ProvisionError wraps a backend provisioning failure. It unwraps to
// ErrProvisionFailed.
type ProvisionError struct {
	Provider string
	Resource string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("omnibus/%s: provision %q: %v", e.Provider, e.Resource, e.Err)
}

func (e *ProvisionError) Unwrap() []error { return []error{ErrProvisionFailed, e.Err} }
