package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datayoti/go-ingestor/internal/model"
)

func decode(t *testing.T, body string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	return doc
}

func TestValidatorData(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "complete", body: `{"device_id":"A","temperature":21.5,"humidity":47.2,"timestamp":"2024-03-01T10:00:00Z"}`},
		{name: "integer values", body: `{"device_id":"A","temperature":21,"humidity":47,"timestamp":"2024-03-01T10:00:00"}`},
		{name: "missing humidity", body: `{"device_id":"A","temperature":21.5,"timestamp":"2024-03-01T10:00:00Z"}`, wantErr: true},
		{name: "string temperature", body: `{"device_id":"A","temperature":"21.5","humidity":47.2,"timestamp":"2024-03-01T10:00:00Z"}`, wantErr: true},
		{name: "null timestamp", body: `{"device_id":"A","temperature":21.5,"humidity":47.2,"timestamp":null}`, wantErr: true},
		{name: "empty device", body: `{"device_id":"","temperature":21.5,"humidity":47.2,"timestamp":"2024-03-01T10:00:00Z"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(model.KindData, decode(t, tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidatorHeartbeat(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "device only", body: `{"device_id":"A"}`},
		{name: "complete", body: `{"device_id":"A","rssi":-62,"free_heap":120000,"min_heap":90000,"uptime":3600,"ntp_sync":true,"timestamp":"2024-03-01T10:00:00Z"}`},
		{name: "explicit nulls", body: `{"device_id":"A","rssi":null,"uptime":null,"ntp_sync":null,"timestamp":null}`},
		{name: "missing device", body: `{"rssi":-62}`, wantErr: true},
		{name: "fractional rssi", body: `{"device_id":"A","rssi":-62.5}`, wantErr: true},
		{name: "negative uptime", body: `{"device_id":"A","uptime":-1}`, wantErr: true},
		{name: "string ntp_sync", body: `{"device_id":"A","ntp_sync":"yes"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(model.KindHeartbeat, decode(t, tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidatorHeartbeatCounterBounds(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	doc, err := decodeDocument([]byte(`{"device_id":"A","uptime":9223372036854775807}`))
	require.NoError(t, err)
	assert.NoError(t, v.Validate(model.KindHeartbeat, doc))

	doc, err = decodeDocument([]byte(`{"device_id":"A","uptime":9223372036854775808}`))
	require.NoError(t, err)
	assert.ErrorIs(t, v.Validate(model.KindHeartbeat, doc), ErrValidation)
}
