package server

import "errors"

// Sentinel errors for common session and server error conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on a
	// closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrEventQueueFull is returned when a broker delivery is dropped
	// because the session's event queue is full.
	ErrEventQueueFull = errors.New("server: event queue full")

	// ErrMaxSessionsReached is returned when the maximum number of
	// concurrent sessions is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrAuthRequired is returned by auth functions when the request
	// carries no usable identity.
	ErrAuthRequired = errors.New("server: authentication required")
)
