package core

import (
	"encoding/json"
	"fmt"
)

// Binder deserializes raw message bytes into a Go value.
// Implement this interface for custom serialization formats.
type Binder interface {
	Bind(data []byte, v any) error
}

// JSONBinder deserializes JSON message bodies. It is the default binder;
// the facade's envelope is JSON and codec choice beyond that is left to
// the application.
type JSONBinder struct{}

func (JSONBinder) Bind(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}
