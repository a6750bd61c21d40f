package dedup

import "errors"

// Common errors.
var (
	// ErrClosed indicates the coordinator has been closed.
	ErrClosed = errors.New("coordinator closed")

	// ErrNotStarted indicates Start has not been called yet.
	ErrNotStarted = errors.New("coordinator not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrEmptyKey indicates an empty task key.
	ErrEmptyKey = errors.New("empty task key")

	// ErrNilWork indicates RunLocal was called without a work function.
	ErrNilWork = errors.New("nil work function")

	// ErrMalformedMessage indicates a protocol message that could not be decoded.
	ErrMalformedMessage = errors.New("malformed protocol message")
)
