package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datayoti/go-ingestor/internal/model"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		deviceID string
		kind     model.MessageKind
		wantErr  bool
	}{
		{name: "data", topic: "datayoti/sensor/1C:69:20:E9:18:24/data", deviceID: "1C:69:20:E9:18:24", kind: model.KindData},
		{name: "heartbeat", topic: "datayoti/sensor/AA:BB:CC:DD:EE:FF/heartbeat", deviceID: "AA:BB:CC:DD:EE:FF", kind: model.KindHeartbeat},
		{name: "too few segments", topic: "datayoti/sensor/data", wantErr: true},
		{name: "too many segments", topic: "datayoti/sensor/A/data/extra", wantErr: true},
		{name: "wrong namespace", topic: "other/sensor/A/data", wantErr: true},
		{name: "wrong category", topic: "datayoti/actuator/A/data", wantErr: true},
		{name: "empty device", topic: "datayoti/sensor//data", wantErr: true},
		{name: "unknown kind", topic: "datayoti/sensor/A/status", wantErr: true},
		{name: "empty", topic: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deviceID, kind, err := ParseTopic(tt.topic)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedTopic)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.deviceID, deviceID)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestTopicForRoundTrips(t *testing.T) {
	topic := TopicFor("1C:69:20:E9:18:24", model.KindHeartbeat)
	assert.Equal(t, "datayoti/sensor/1C:69:20:E9:18:24/heartbeat", topic)

	deviceID, kind, err := ParseTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, "1C:69:20:E9:18:24", deviceID)
	assert.Equal(t, model.KindHeartbeat, kind)
}

func TestSubscriptions(t *testing.T) {
	assert.Equal(t, []string{
		"datayoti/sensor/+/data",
		"datayoti/sensor/+/heartbeat",
	}, Subscriptions())
}

func TestIsMalformed(t *testing.T) {
	assert.True(t, IsMalformed(ErrMalformedTopic))
	assert.True(t, IsMalformed(ErrDeviceMismatch))
	assert.False(t, IsMalformed(ErrUnauthorized))
	assert.False(t, IsMalformed(ErrStore))
}
