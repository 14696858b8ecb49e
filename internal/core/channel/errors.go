package channel

import "errors"

// Core channel errors
var (
	// Connection errors

	ErrConnClosed = errors.New("connection is closed")

	// Message errors

	ErrMessageTooLarge = errors.New("message too large")
	ErrMarshalFailed   = errors.New("message serialization failed")
)
