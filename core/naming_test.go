package core_test

import (
	"errors"
	"testing"

	"github.com/omnibus-mq/omnibus/core"
)

func TestValidateTopic(t *testing.T) {
	valid := []string{"orders", "orders.created", "orders-v2.created", "A1.b2.C3"}
	for _, topic := range valid {
		if err := core.ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v, want nil", topic, err)
		}
	}

	invalid := []string{"", "orders:created", "orders_created", "orders created", "orders/created"}
	for _, topic := range invalid {
		if err := core.ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) = nil, want error", topic)
		}
	}
}

func TestValidateGroup(t *testing.T) {
	if err := core.ValidateGroup("billing"); err != nil {
		t.Errorf("ValidateGroup(billing) = %v, want nil", err)
	}
	if err := core.ValidateGroup(""); !errors.Is(err, core.ErrGroupRequired) {
		t.Errorf("ValidateGroup(\"\") = %v, want ErrGroupRequired", err)
	}
	// Dots are topic-level separators and stay out of group names.
	if err := core.ValidateGroup("billing.eu"); err == nil {
		t.Error("ValidateGroup(billing.eu) = nil, want error")
	}
	if err := core.ValidateGroup("billing_eu"); err == nil {
		t.Error("ValidateGroup(billing_eu) = nil, want error")
	}
}

func TestQueueNameIsInjective(t *testing.T) {
	pairs := [][2]string{
		{"orders.created", "billing"},
		{"orders", "created-billing"},
		{"orders.created-billing", "x"},
	}
	seen := make(map[string][2]string)
	for _, p := range pairs {
		name := core.QueueName(p[0], p[1])
		if prev, ok := seen[name]; ok {
			t.Fatalf("QueueName collision: %v and %v both map to %q", prev, p, name)
		}
		seen[name] = p
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"orders":                 "orders",
		"orders.created":         "orders_created",
		"orders.created:billing": "orders_created_billing",
		"orders-v2":              "orders-v2",
	}
	for in, want := range cases {
		if got := core.SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}

	// Validated names cannot contain '_', so flattened forms cannot alias
	// each other.
	a := core.SanitizeName(core.QueueName("orders.created", "billing"))
	b := core.SanitizeName(core.QueueName("orders", "created-billing"))
	if a == b {
		t.Errorf("sanitized resource names collide: %q", a)
	}
}
