package ingest

import (
	"fmt"
	"strings"

	"datayoti/go-ingestor/internal/model"
)

const (
	topicNamespace = "datayoti"
	topicSensor    = "sensor"
)

// Subscriptions lists the wildcard topics the ingestor listens on.
func Subscriptions() []string {
	return []string{
		TopicFor("+", model.KindData),
		TopicFor("+", model.KindHeartbeat),
	}
}

// TopicFor builds the topic a device publishes kind messages on.
func TopicFor(deviceID string, kind model.MessageKind) string {
	return topicNamespace + "/" + topicSensor + "/" + deviceID + "/" + string(kind)
}

// ParseTopic splits datayoti/sensor/<device>/<kind> into its device and kind.
func ParseTopic(topic string) (string, model.MessageKind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("%w: expected 4 segments, got %d", ErrMalformedTopic, len(parts))
	}
	if parts[0] != topicNamespace || parts[1] != topicSensor {
		return "", "", fmt.Errorf("%w: expected %s/%s prefix", ErrMalformedTopic, topicNamespace, topicSensor)
	}

	deviceID := parts[2]
	if deviceID == "" {
		return "", "", fmt.Errorf("%w: empty device id", ErrMalformedTopic)
	}

	switch kind := model.MessageKind(parts[3]); kind {
	case model.KindData, model.KindHeartbeat:
		return deviceID, kind, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported message kind %q", ErrMalformedTopic, parts[3])
	}
}
