package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/model"
	"datayoti/go-ingestor/internal/timestamp"
)

// Authorizer resolves the site of a provisioned device.
type Authorizer interface {
	Authorize(ctx context.Context, deviceID string) (string, bool)
}

// Writer persists validated messages.
type Writer interface {
	UpsertReading(ctx context.Context, r model.SensorReading) error
	UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error
}

// Message is an inbound publish whose topic has been parsed and whose body
// has been decoded once into Doc.
type Message struct {
	DeviceID string
	Kind     model.MessageKind
	Payload  []byte
	Doc      any
}

// Handlers validate, authorize and store data and heartbeat messages.
type Handlers struct {
	validator  *Validator
	normalizer timestamp.Normalizer
	auth       Authorizer
	writer     Writer
	logger     *zap.Logger
}

// NewHandlers returns handlers that validate with validator, check devices
// against auth and persist through writer.
func NewHandlers(validator *Validator, normalizer timestamp.Normalizer, auth Authorizer, writer Writer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		validator:  validator,
		normalizer: normalizer,
		auth:       auth,
		writer:     writer,
		logger:     logger,
	}
}

// HandleData stores one sensor reading.
func (h *Handlers) HandleData(ctx context.Context, msg Message) error {
	if err := h.validator.Validate(model.KindData, msg.Doc); err != nil {
		return err
	}

	var p model.DataPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.DeviceID == "" || p.Temperature == nil || p.Humidity == nil || p.Timestamp == "" {
		return fmt.Errorf("%w: data message requires device_id, temperature, humidity and timestamp", ErrValidation)
	}

	ts := h.normalizeTimestamp(p.DeviceID, p.Timestamp)

	site, ok := h.auth.Authorize(ctx, p.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorized, p.DeviceID)
	}

	reading := model.SensorReading{
		Time:        ts,
		DeviceMAC:   p.DeviceID,
		Temperature: *p.Temperature,
		Humidity:    *p.Humidity,
	}
	if err := h.writer.UpsertReading(ctx, reading); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	h.logger.Info("sensor reading stored",
		zap.String("device_id", p.DeviceID),
		zap.String("site", site),
		zap.String("time", ts),
		zap.Float64("temperature", reading.Temperature),
		zap.Float64("humidity", reading.Humidity))
	return nil
}

// HandleHeartbeat stores one heartbeat, filling defaults for omitted fields.
func (h *Handlers) HandleHeartbeat(ctx context.Context, msg Message) error {
	if err := h.validator.Validate(model.KindHeartbeat, msg.Doc); err != nil {
		return err
	}

	var p model.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.DeviceID == "" {
		return fmt.Errorf("%w: heartbeat requires device_id", ErrValidation)
	}
	if err := checkCounterRange(p); err != nil {
		return err
	}

	hb := heartbeatFromPayload(p)
	if p.Timestamp != nil {
		hb.Time = h.normalizeTimestamp(p.DeviceID, *p.Timestamp)
	} else {
		hb.Time = h.normalizer.Normalize("")
	}

	site, ok := h.auth.Authorize(ctx, p.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorized, p.DeviceID)
	}

	if err := h.writer.UpsertHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	h.logger.Info("heartbeat stored",
		zap.String("device_id", p.DeviceID),
		zap.String("site", site),
		zap.String("time", hb.Time),
		zap.Int("rssi", hb.RSSI),
		zap.Uint64("uptime", hb.Uptime),
		zap.Bool("ntp_sync", hb.NTPSync))
	return nil
}

// checkCounterRange rejects counters the store's signed BIGINT columns cannot
// hold. The schema bound alone is checked in float64 and misses values just
// above math.MaxInt64.
func checkCounterRange(p model.HeartbeatPayload) error {
	counters := []struct {
		name  string
		value *uint64
	}{
		{"free_heap", p.FreeHeap},
		{"min_heap", p.MinHeap},
		{"uptime", p.Uptime},
	}
	for _, c := range counters {
		if c.value != nil && *c.value > math.MaxInt64 {
			return fmt.Errorf("%w: %s %d out of range", ErrValidation, c.name, *c.value)
		}
	}
	return nil
}

func heartbeatFromPayload(p model.HeartbeatPayload) model.Heartbeat {
	hb := model.Heartbeat{
		DeviceMAC: p.DeviceID,
		RSSI:      model.UnknownRSSI,
	}
	if p.RSSI != nil {
		hb.RSSI = *p.RSSI
	}
	if p.FreeHeap != nil {
		hb.FreeHeap = *p.FreeHeap
	}
	if p.MinHeap != nil {
		hb.MinHeap = *p.MinHeap
	}
	if p.Uptime != nil {
		hb.Uptime = *p.Uptime
	}
	if p.NTPSync != nil {
		hb.NTPSync = *p.NTPSync
	}
	return hb
}

func (h *Handlers) normalizeTimestamp(deviceID, raw string) string {
	ts, replaced := h.normalizer.NormalizeChecked(raw)
	if replaced {
		h.logger.Warn("device timestamp unusable, using reception time",
			zap.String("device_id", deviceID),
			zap.String("timestamp", raw),
			zap.String("replacement", ts))
	}
	return ts
}
