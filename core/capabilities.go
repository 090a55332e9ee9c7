package core

// PriorityStrategy names how an adapter realizes the best-effort priority
// hint, in the contract's declared preference order.
type PriorityStrategy string

const (
	// PriorityNative means the backend has a priority field on the message
	// or queue and the hint maps onto it directly.
	PriorityNative PriorityStrategy = "native"

	// PriorityBuckets means the adapter selects among parallel per-priority
	// sub-resources.
	PriorityBuckets PriorityStrategy = "buckets"

	// PriorityPartition means the hint selects a coarse ordered shard, such
	// as a partition index.
	PriorityPartition PriorityStrategy = "partition"

	// PriorityIgnored means the backend offers no mechanism and the hint is
	// dropped.
	PriorityIgnored PriorityStrategy = "ignored"
)

// Capabilities describes what an adapter's backend can natively express.
// The mapping layer and callers branch on these declarations instead of
// probing behavior at runtime.
type Capabilities struct {
	// Provider is the registry name of the adapter.
	Provider string

	// SupportsNack indicates a native negative-ack or requeue primitive.
	// Without it, Nack(requeue=true) is either emulated by republishing or
	// documented as deferred to the backend's redelivery cycle.
	SupportsNack bool

	// SupportsDeadLetter indicates a native dead-letter destination for
	// Nack(requeue=false).
	SupportsDeadLetter bool

	// SupportsDelay indicates native delayed redelivery.
	SupportsDelay bool

	// SupportsOrdering indicates delivery order within one backend-native
	// resource follows that resource's append order.
	SupportsOrdering bool

	// Priority is the declared strategy for the priority hint.
	Priority PriorityStrategy

	// MaxMessageSize is the backend's payload limit in bytes, 0 if
	// unlimited or unknown.
	MaxMessageSize int64
}
