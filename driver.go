package pqnb

import (
	"github.com/jackc/pqnb/pqdriver"
)

// Driver is the asynchronous protocol driver a connection runs on. It mirrors
// the non-blocking subset of the libpq API: every method except RequestCancel
// must return without blocking, and the multi-step connect and reset handshakes are advanced one
// poll step at a time as the socket becomes ready.
//
// The default implementation is pqdriver.Conn. A different implementation may
// be substituted through Config.StartConnect.
type Driver interface {
	// ConnectPoll advances an in-progress connection attempt and reports
	// what the driver needs next.
	ConnectPoll() pqdriver.PollingStatus

	// ResetStart abandons the current session and begins a fresh
	// asynchronous connection attempt, possibly on a different socket.
	ResetStart() error

	// ResetPoll advances an in-progress reset.
	ResetPoll() pqdriver.PollingStatus

	// SendQuery buffers a simple-protocol query for transmission. Flush
	// must be called to actually write it.
	SendQuery(sql string) error

	// Flush writes as much buffered output as the socket accepts. done
	// reports that nothing further remains to be sent.
	Flush() (done bool, err error)

	// ConsumeInput reads whatever input is available without blocking.
	ConsumeInput() error

	// Busy reports whether NextResult would have to wait for more input.
	Busy() bool

	// NextResult returns the next available result, or nil once all
	// results of the current query have been returned.
	NextResult() *pqdriver.Result

	// Socket returns the file descriptor to monitor for readiness. It may
	// change across ResetStart.
	Socket() int

	// RequestCancel asks the server to abandon the current query. It is a
	// blocking side channel; the pool never calls it.
	RequestCancel() error

	// Err returns the last error the driver observed, if any.
	Err() error

	// Close releases the driver's resources.
	Close() error
}

// QueryCallback delivers the outcome of a query submitted with Pool.Query.
// Exactly one of three shapes holds per invocation:
//
//   - res is non-nil, err is nil, timedOut is false: a result. The callback
//     may be invoked multiple times in sequence for one request, once per
//     result the server yields. res must not be retained past the
//     callback's return.
//   - res is nil, err is non-nil, timedOut is false: a protocol or driver
//     failure. Terminal for the request.
//   - res is nil, err is nil, timedOut is true: a timeout. Terminal for the
//     request.
type QueryCallback func(res *pqdriver.Result, data interface{}, err error, timedOut bool)
