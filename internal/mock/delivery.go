package mock

// Delivery is a simple core.Delivery implementation for testing.
type Delivery struct {
	MsgID    string
	On       string
	B        []byte
	H        map[string]string
	Attempts int

	Acked   bool
	Nacked  bool
	Requeue bool
	AckErr  error
	NackErr error
}

func (d *Delivery) ID() string                 { return d.MsgID }
func (d *Delivery) Topic() string              { return d.On }
func (d *Delivery) Body() []byte               { return d.B }
func (d *Delivery) Headers() map[string]string { return d.H }

func (d *Delivery) Attempt() int {
	if d.Attempts < 1 {
		return 1
	}
	return d.Attempts
}

func (d *Delivery) Ack() error {
	d.Acked = true
	return d.AckErr
}

func (d *Delivery) Nack(requeue bool) error {
	d.Nacked = true
	d.Requeue = requeue
	return d.NackErr
}
