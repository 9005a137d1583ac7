package pool

import "errors"

// Sentinel errors returned by pool operations. Callers should match them
// with errors.Is; surfaced errors may carry additional wrapped context.
var (
	// ErrPoolClosed is returned for any operation attempted after Close.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when a connection cannot be created
	// because the pool is already at its maximum size.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrConnectionFailed is returned when the connection factory fails
	// during an on-demand creation.
	ErrConnectionFailed = errors.New("connection factory failed")

	// ErrAcquireTimeout is returned when an acquire gives up waiting for a
	// free connection.
	ErrAcquireTimeout = errors.New("timed out acquiring connection")

	// ErrValidationFailed indicates a connection failed its health-check
	// query. It never escapes to callers of Acquire or Query directly; it
	// is logged and the connection is replaced.
	ErrValidationFailed = errors.New("connection validation failed")
)
