package core

// SendOptions tunes a single Publish call.
type SendOptions struct {
	// Priority is a best-effort hint. How (and whether) it affects delivery
	// order depends on the adapter's declared PriorityStrategy; callers must
	// not assume total ordering by priority across backends. Zero means
	// unset.
	Priority uint8

	// Ensure requests lazy provisioning: the adapter creates the backend
	// resources implied by the topic if they are absent. Provisioning is
	// idempotent; an existing resource is never recreated or reset.
	// When false and the resource is absent, the call fails with
	// ErrResourceMissing instead of creating anything implicitly.
	Ensure bool

	// Create carries backend-specific provisioning parameters, forwarded
	// verbatim to the adapter when Ensure is set.
	Create map[string]any
}

// ConsumeOptions tunes a single Subscribe call.
type ConsumeOptions struct {
	SendOptions

	// Group is the unit of work-sharing and is required. Subscribers in one
	// group split the topic's messages exclusively; distinct groups each
	// receive an independent full copy.
	Group string

	// Concurrency is the number of handler workers for this subscription.
	// Values below 1 mean 1.
	Concurrency int
}

// Validate reports option errors that must surface before any backend I/O.
func (o ConsumeOptions) Validate() error {
	if o.Group == "" {
		return ErrGroupRequired
	}
	return nil
}

// Workers returns the effective worker count.
func (o ConsumeOptions) Workers() int {
	if o.Concurrency < 1 {
		return 1
	}
	return o.Concurrency
}

// CreateString reads a string provisioning parameter with a default.
func (o SendOptions) CreateString(key, def string) string {
	if v, ok := o.Create[key].(string); ok && v != "" {
		return v
	}
	return def
}

// CreateInt reads an integer provisioning parameter with a default.
func (o SendOptions) CreateInt(key string, def int) int {
	switch v := o.Create[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// CreateBool reads a boolean provisioning parameter with a default.
func (o SendOptions) CreateBool(key string, def bool) bool {
	if v, ok := o.Create[key].(bool); ok {
		return v
	}
	return def
}
