package ingest

import (
	"errors"
	"sync/atomic"

	"datayoti/go-ingestor/internal/model"
)

// Stats counts message outcomes so that bad data and unknown devices can be
// told apart.
type Stats struct {
	dataStored       atomic.Uint64
	heartbeatsStored atomic.Uint64
	malformedTopic   atomic.Uint64
	malformedPayload atomic.Uint64
	validation       atomic.Uint64
	deviceMismatch   atomic.Uint64
	unauthorized     atomic.Uint64
	storeFailed      atomic.Uint64
	dropped          atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	DataStored       uint64 `json:"data_stored"`
	HeartbeatsStored uint64 `json:"heartbeats_stored"`
	MalformedTopic   uint64 `json:"malformed_topic"`
	MalformedPayload uint64 `json:"malformed_payload"`
	Validation       uint64 `json:"validation_failed"`
	DeviceMismatch   uint64 `json:"device_mismatch"`
	Unauthorized     uint64 `json:"unauthorized"`
	StoreFailed      uint64 `json:"store_failed"`
	Dropped          uint64 `json:"dropped"`
}

func (s *Stats) stored(kind model.MessageKind) {
	switch kind {
	case model.KindData:
		s.dataStored.Add(1)
	case model.KindHeartbeat:
		s.heartbeatsStored.Add(1)
	}
}

func (s *Stats) failed(err error) {
	switch {
	case errors.Is(err, ErrMalformedTopic):
		s.malformedTopic.Add(1)
	case errors.Is(err, ErrMalformedPayload):
		s.malformedPayload.Add(1)
	case errors.Is(err, ErrValidation):
		s.validation.Add(1)
	case errors.Is(err, ErrDeviceMismatch):
		s.deviceMismatch.Add(1)
	case errors.Is(err, ErrUnauthorized):
		s.unauthorized.Add(1)
	case errors.Is(err, ErrStore):
		s.storeFailed.Add(1)
	}
}

// IncDropped counts a message discarded before routing, such as on queue
// overflow.
func (s *Stats) IncDropped() {
	s.dropped.Add(1)
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		DataStored:       s.dataStored.Load(),
		HeartbeatsStored: s.heartbeatsStored.Load(),
		MalformedTopic:   s.malformedTopic.Load(),
		MalformedPayload: s.malformedPayload.Load(),
		Validation:       s.validation.Load(),
		DeviceMismatch:   s.deviceMismatch.Load(),
		Unauthorized:     s.unauthorized.Load(),
		StoreFailed:      s.storeFailed.Load(),
		Dropped:          s.dropped.Load(),
	}
}
