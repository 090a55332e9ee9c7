package core_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/omnibus-mq/omnibus/core"
)

func TestResourceMissingErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("subscribe: %w", &core.ResourceMissingError{
		Provider: "rabbitmq",
		Resource: "orders.created",
	})

	if !errors.Is(err, core.ErrResourceMissing) {
		t.Error("errors.Is(err, ErrResourceMissing) = false")
	}

	var rme *core.ResourceMissingError
	if !errors.As(err, &rme) {
		t.Fatal("errors.As failed")
	}
	if rme.Resource != "orders.created" {
		t.Errorf("Resource = %q", rme.Resource)
	}
	if !strings.Contains(err.Error(), "orders.created") {
		t.Errorf("message %q does not name the resource", err.Error())
	}
}

func TestProvisionErrorKeepsCause(t *testing.T) {
	cause := errors.New("ACCESS_REFUSED")
	err := &core.ProvisionError{Provider: "rabbitmq", Resource: "orders.created", Err: cause}

	if !errors.Is(err, core.ErrProvisionFailed) {
		t.Error("errors.Is(err, ErrProvisionFailed) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false; the backend error must stay reachable")
	}
}
