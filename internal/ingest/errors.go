package ingest

import "errors"

// Every error returned by Dispatch wraps exactly one of these.
var (
	ErrMalformedTopic   = errors.New("malformed topic")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrValidation       = errors.New("payload validation failed")
	ErrDeviceMismatch   = errors.New("device_id mismatch between topic and payload")
	ErrUnauthorized     = errors.New("device not authorized")
	ErrStore            = errors.New("store write failed")
)

// IsMalformed reports whether err was caused by the message itself rather
// than by authorization or storage.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedTopic) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDeviceMismatch)
}
