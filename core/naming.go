package core

import (
	"fmt"
	"strings"
)

// Topic and group names cross into backend-native namespaces (queue names,
// stream names, consumer-group ids), so the mapping from topic+group to a
// resource name must be deterministic and collision-resistant: distinct
// topics must never alias to the same backend resource.
//
// The scheme: names use [a-zA-Z0-9-], topics may additionally contain '.'
// as a level separator, and '_' is reserved for SanitizeName rewrites.
// Resource names join topic and group with ':'. Because ':' is rejected
// inside both parts, the join is injective; because groups cannot contain
// '.', the flattened form produced by SanitizeName is injective too (the
// last '_' is always the join point).

const resourceSeparator = ":"

// ValidateTopic rejects topic names that could alias another resource.
func ValidateTopic(topic string) error {
	return validateName("topic", topic, true)
}

// ValidateGroup rejects group names that could alias another resource.
func ValidateGroup(group string) error {
	if group == "" {
		return ErrGroupRequired
	}
	return validateName("group", group, false)
}

func validateName(kind, name string, allowDots bool) error {
	if name == "" {
		return fmt.Errorf("omnibus: %s name is empty", kind)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-':
		case c == '.' && allowDots:
		default:
			return fmt.Errorf("omnibus: %s name %q contains invalid character %q", kind, name, string(c))
		}
	}
	return nil
}

// QueueName derives the backend resource name for a topic+group pair.
// Adapters that need a flat per-group resource (a durable queue, a durable
// consumer, a pull endpoint) name it with this function so every adapter
// maps the pair identically.
func QueueName(topic, group string) string {
	return topic + resourceSeparator + group
}

// SanitizeName rewrites a validated name into a flat [a-zA-Z0-9_-]
// alphabet for backends that reject '.' or ':' (stream names, metric
// labels). Separators become '_', which validated names cannot contain,
// keeping the rewrite collision-free.
func SanitizeName(name string) string {
	if !strings.ContainsAny(name, ".:") {
		return name
	}
	buf := []byte(name)
	for i, c := range buf {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-':
		default:
			buf[i] = '_'
		}
	}
	return string(buf)
}
