// Package ingest turns raw MQTT publishes into stored sensor readings and
// heartbeats.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/model"
)

// Router validates the topic of each publish and hands the message to the
// handler for its kind. It is the only place where failures are logged; a bad
// message never stops the feed.
type Router struct {
	handlers *Handlers
	logger   *zap.Logger
	stats    *Stats
}

// NewRouter returns a Router dispatching to handlers. A nil logger discards
// output.
func NewRouter(handlers *Handlers, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: handlers, logger: logger, stats: &Stats{}}
}

// Stats returns the outcome counters.
func (r *Router) Stats() *Stats {
	return r.stats
}

// Route processes one publish to completion, logging and counting the outcome.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while handling message", zap.String("topic", topic), zap.Any("panic", rec))
		}
	}()

	kind, err := r.Dispatch(ctx, topic, payload)
	if err == nil {
		r.stats.stored(kind)
		return
	}

	r.stats.failed(err)
	fields := []zap.Field{zap.String("topic", topic), zap.Error(err)}

	switch {
	case errors.Is(err, ErrMalformedTopic):
		r.logger.Warn("ignoring message on unexpected topic", fields...)
	case errors.Is(err, ErrDeviceMismatch):
		r.logger.Warn("dropping message with inconsistent device_id", fields...)
	case errors.Is(err, ErrMalformedPayload):
		r.logger.Error("dropping undecodable message", fields...)
	case errors.Is(err, ErrValidation):
		r.logger.Error("dropping invalid message", fields...)
	case errors.Is(err, ErrUnauthorized):
		r.logger.Error("dropping message from unauthorized device", fields...)
	case errors.Is(err, ErrStore):
		r.logger.Error("message lost, store write failed", fields...)
	default:
		r.logger.Error("message handling failed", fields...)
	}
}

// Dispatch parses and validates topic and payload, then runs the handler for
// the message kind. The returned error wraps one of the package sentinels.
func (r *Router) Dispatch(ctx context.Context, topic string, payload []byte) (model.MessageKind, error) {
	deviceID, kind, err := ParseTopic(topic)
	if err != nil {
		return "", err
	}

	doc, err := decodeDocument(payload)
	if err != nil {
		return kind, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return kind, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}

	payloadID, _ := obj["device_id"].(string)
	if payloadID != deviceID {
		return kind, fmt.Errorf("%w: topic=%q payload=%q", ErrDeviceMismatch, deviceID, payloadID)
	}

	msg := Message{DeviceID: deviceID, Kind: kind, Payload: payload, Doc: doc}
	switch kind {
	case model.KindData:
		return kind, r.handlers.HandleData(ctx, msg)
	case model.KindHeartbeat:
		return kind, r.handlers.HandleHeartbeat(ctx, msg)
	default:
		return kind, fmt.Errorf("%w: unsupported message kind %q", ErrMalformedTopic, kind)
	}
}

// decodeDocument parses payload into a generic tree for schema validation.
// Numbers stay json.Number so integer bounds are checked exactly.
func decodeDocument(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedPayload)
	}
	return doc, nil
}
