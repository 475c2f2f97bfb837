package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultTopicPrefix is the root of the topics mqttc publishes itself.
const DefaultTopicPrefix = "mqttc"

// maxTopicLength is the MQTT limit on the UTF-8 encoded topic length.
const maxTopicLength = 65535

// sharePrefix marks a shared subscription: $share/{group}/{filter}.
const sharePrefix = "$share/"

// Topics provides builders for the topics mqttc publishes on.
//
//	topics := mqtt.Topics{Prefix: "mqttc"}
//	topics.Status("sensor-1")
//	// Returns: "mqttc/status/sensor-1"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// =============================================================================
// Client Topics
// =============================================================================

// Status returns the retained online/offline topic for a client.
// The Last Will is published here too.
//
// Example: mqttc/status/sensor-1
func (t Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/status/%s", t.prefix(), clientID)
}

// Messages returns a topic for application messages from a client.
//
// Example: mqttc/messages/sensor-1
func (t Topics) Messages(clientID string) string {
	return fmt.Sprintf("%s/messages/%s", t.prefix(), clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllStatus returns a pattern matching every client's status.
//
// Pattern: mqttc/status/+
func (t Topics) AllStatus() string {
	return fmt.Sprintf("%s/status/+", t.prefix())
}

// AllMessages returns a pattern matching every client's messages.
//
// Pattern: mqttc/messages/+
func (t Topics) AllMessages() string {
	return fmt.Sprintf("%s/messages/+", t.prefix())
}

// All returns a pattern matching everything under the prefix.
//
// Pattern: mqttc/#
func (t Topics) All() string {
	return t.prefix() + "/#"
}

// =============================================================================
// Validation and Matching
// =============================================================================

// ValidateTopic checks that a topic can be published to: non-empty,
// valid UTF-8, no wildcards, no NUL and at most 65535 bytes.
func ValidateTopic(topic string) error {
	if err := checkTopicString(topic); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole
// level and '#' must be the whole last level. Shared subscriptions
// ($share/{group}/{filter}) are accepted.
func ValidateFilter(filter string) error {
	if err := checkTopicString(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	if strings.HasPrefix(filter, sharePrefix) {
		group, rest, ok := strings.Cut(strings.TrimPrefix(filter, sharePrefix), "/")
		if !ok || group == "" || rest == "" || strings.ContainsAny(group, "+#") {
			return fmt.Errorf("%w: malformed shared subscription %q", ErrInvalidFilter, filter)
		}
		filter = rest
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidFilter, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidFilter, filter)
		}
	}
	return nil
}

func checkTopicString(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("empty")
	case len(s) > maxTopicLength:
		return fmt.Errorf("length %d exceeds %d bytes", len(s), maxTopicLength)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("contains NUL")
	case !utf8.ValidString(s):
		return fmt.Errorf("not valid UTF-8")
	}
	return nil
}

// MatchTopic reports whether a topic matches a subscription filter.
//
// '+' matches exactly one level and '#' matches the parent level and any
// number of levels below it. Filters starting with a wildcard do not
// match topics starting with '$'.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(filter, sharePrefix) {
		_, rest, ok := strings.Cut(strings.TrimPrefix(filter, sharePrefix), "/")
		if !ok {
			return false
		}
		filter = rest
	}

	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
