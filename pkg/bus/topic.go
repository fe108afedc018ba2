package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Topics are MQTT-style paths. NATS serves MQTT clients by mapping "/" to the
// "." subject separator, so a device subscribed to user/a@x/com over MQTT
// receives what the relay publishes on user.a@x.com.
const (
	PingTopic       = "presence/ping"
	DisconnectTopic = "presence/disconnect"

	userTopicPrefix = "user"
)

// ErrInvalidTopic is returned for topics that cannot be mapped to a literal subject.
var ErrInvalidTopic = errors.New("invalid topic")

// UserTopic returns the private topic of an identifier with its "." separators
// rewritten to the topic path separator.
func UserTopic(identifier string) string {
	return userTopicPrefix + "/" + strings.ReplaceAll(identifier, ".", "/")
}

// Subject converts an MQTT-style topic to the NATS subject it is delivered on.
// NATS wildcards, whitespace and empty levels are rejected.
func Subject(topic string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "*> \t\r\n") {
		return "", fmt.Errorf("%w: %q contains wildcard or whitespace", ErrInvalidTopic, topic)
	}

	levels := strings.Split(topic, "/")
	for _, level := range levels {
		if level == "" {
			return "", fmt.Errorf("%w: %q has an empty level", ErrInvalidTopic, topic)
		}
		if strings.Contains(level, ".") {
			return "", fmt.Errorf("%w: %q level %q contains '.'", ErrInvalidTopic, topic, level)
		}
	}
	return strings.Join(levels, "."), nil
}
