// Package pqdriver is an asynchronous PostgreSQL protocol driver over raw
// non-blocking sockets.
//
// It deliberately mirrors the shape of the libpq asynchronous API: a
// connection attempt is started with StartConnect and advanced one
// ConnectPoll step at a time as the socket becomes ready; queries are sent
// with SendQuery and Flush; input is gathered with ConsumeInput and drained
// with Busy and NextResult. None of these block. The exceptions are
// StartConnect and StartConnectConfig, which resolve host names, and
// RequestCancel, which uses a blocking side channel.
//
// The socket file descriptor is exposed with Conn.Socket so a caller can
// register it with a readiness multiplexer. pqnb's pool does exactly that.
//
// Only the simple query protocol is spoken. TLS is not supported; connection
// strings requesting it are rejected at parse time. COPY is not supported.
package pqdriver
