// Package pqnb implements a non-blocking client connection pool for
// PostgreSQL.
//
// The pool owns a fixed set of connections and an epoll instance that
// multiplexes their sockets in edge-triggered mode. It never blocks and it
// never starts a goroutine: the host event loop obtains the pool's epoll file
// descriptor with Pool.EpollFD, waits on it alongside its other descriptors,
// and calls Pool.Run whenever it signals. All query results are delivered
// through callbacks invoked synchronously inside Run.
//
// Queries submitted with Pool.Query are handed to the oldest idle connection,
// or queued in a bounded FIFO when every connection is busy. Connections that
// fail at any point are reset and reconnect asynchronously; requests bound to
// a failed connection receive exactly one terminal callback.
//
// The pool is strictly single threaded. All calls into a Pool must be made
// from the same goroutine (or otherwise serialized by the caller).
//
// The protocol layer is pluggable through the Driver interface. The default
// implementation is github.com/jackc/pqnb/pqdriver, which speaks the
// PostgreSQL wire protocol over raw non-blocking sockets.
//
// pqnb only works on Linux, as it relies on epoll.
package pqnb
