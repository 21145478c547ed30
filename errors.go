package pqnb

import "errors"

var (
	// ErrQueueFull is returned by Pool.Query when no idle connection exists
	// and the pending query buffer is at capacity.
	ErrQueueFull = errors.New("pqnb: pending query buffer is full")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pqnb: pool is closed")

	// ErrConnectionReset is delivered to a request callback when its
	// connection is reset without a more specific driver error.
	ErrConnectionReset = errors.New("pqnb: connection reset")
)
