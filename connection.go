package pqnb

import (
	"time"

	"golang.org/x/sys/unix"
)

// connAction is what a connection is currently doing.
type connAction int

const (
	actionConnecting connAction = iota
	actionReconnecting
	actionIdle
	actionFlushing
	actionQuerying
	actionCancelling
)

func (a connAction) String() string {
	switch a {
	case actionConnecting:
		return "connecting"
	case actionReconnecting:
		return "reconnecting"
	case actionIdle:
		return "idle"
	case actionFlushing:
		return "flushing"
	case actionQuerying:
		return "querying"
	case actionCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// pollPhase tracks what the driver said it next needs. Only meaningful while
// connecting or reconnecting.
type pollPhase int

const (
	pollInit pollPhase = iota
	pollRead
	pollWrite
	pollOK
)

// queryRequest is a pending query. The caller's sql string and data are held
// until the callback fires.
type queryRequest struct {
	query      string
	cb         QueryCallback
	data       interface{}
	enqueuedAt time.Time
}

// connection owns one backend session and advances it through the
// connect/idle/flush/query/reset lifecycle as readiness events arrive.
type connection struct {
	pool   *Pool
	driver Driver

	action    connAction
	pollPhase pollPhase

	// Edge-triggered readiness latches. Each is cleared by the I/O attempt
	// that consumes it; epoll reports readiness only on transitions, so a
	// cleared latch stays clear until the next event.
	writable bool
	readable bool

	lastActivity time.Time

	// Bound request. Non-nil cb iff a query is in flight on this
	// connection.
	queryCB   QueryCallback
	queryData interface{}

	// Socket currently registered with the pool's epoll instance, -1 if
	// none yet. It can change across resets.
	fd int

	prev, next *connection
	list       *connList
}

// newConnection starts an asynchronous connect through the driver and links
// the connection into the pool's connecting list.
func newConnection(pool *Pool, connString string) (*connection, error) {
	driver, err := pool.startConnect(connString)
	if err != nil {
		return nil, err
	}

	c := &connection{
		pool:         pool,
		driver:       driver,
		action:       actionConnecting,
		lastActivity: pool.now(),
		fd:           -1,
	}
	pool.connecting.pushTail(c)
	return c, nil
}

func (c *connection) free() {
	c.driver.Close()
}

// beginPolling registers the connection's current socket with the pool's
// epoll instance in edge-triggered mode for read, write, peer hangup and
// error. It is called once after the initial connect and again after every
// reset, as the driver may be on a new socket.
func (c *connection) beginPolling() error {
	fd := c.driver.Socket()

	event := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	err := unix.EpollCtl(c.pool.epollFD, unix.EPOLL_CTL_ADD, fd, &event)
	if err == unix.EEXIST {
		// Same socket as before a reset; the registration survives.
		err = unix.EpollCtl(c.pool.epollFD, unix.EPOLL_CTL_MOD, fd, &event)
	}
	if err != nil {
		return err
	}

	if c.fd != fd {
		if c.fd >= 0 && c.pool.connByFD[c.fd] == c {
			delete(c.pool.connByFD, c.fd)
		}
		c.pool.connByFD[fd] = c
		c.fd = fd
	}
	c.pollPhase = pollInit
	return nil
}

// read consumes available input and clears the readable latch.
func (c *connection) read() error {
	err := c.driver.ConsumeInput()
	c.readable = false
	return err
}

// write flushes buffered output and clears the writable latch. done reports
// that the driver has nothing further to send.
func (c *connection) write() (done bool, err error) {
	done, err = c.driver.Flush()
	c.writable = false
	return done, err
}

// query issues a request on an idle connection. The caller must have already
// unlinked the connection. On failure the request's callback is invoked with
// the driver's error and the connection is reset.
func (c *connection) query(req *queryRequest) error {
	if err := c.driver.SendQuery(req.query); err != nil {
		return c.failRequest(req)
	}
	done, err := c.write()
	if err != nil {
		return c.failRequest(req)
	}
	if done {
		c.action = actionQuerying
	} else {
		c.action = actionFlushing
	}
	c.pool.querying.pushTail(c)
	c.queryCB = req.cb
	c.queryData = req.data
	return nil
}

func (c *connection) failRequest(req *queryRequest) error {
	err := c.driver.Err()
	if err == nil {
		err = ErrConnectionReset
	}
	req.cb(nil, req.data, err, false)
	c.reset()
	return err
}

// reset is the canonical recovery path. It detaches the connection from
// whatever it was doing, notifies any bound request with the driver's error,
// and begins an asynchronous reconnect. Safe to call on a connection that is
// already reconnecting.
func (c *connection) reset() error {
	switch c.action {
	case actionIdle, actionConnecting, actionReconnecting:
		c.unlink()
	case actionFlushing, actionQuerying:
		err := c.driver.Err()
		if err == nil {
			err = ErrConnectionReset
		}
		c.queryCB(nil, c.queryData, err, false)
		c.unlink()
	case actionCancelling:
		// Already unlinked; the timeout callback has fired.
	}

	if c.pool.shouldLog(LogLevelWarn) {
		c.pool.log(LogLevelWarn, "resetting connection", map[string]interface{}{"fd": c.fd, "action": c.action.String()})
	}

	c.action = actionReconnecting
	c.writable = false
	c.readable = false
	c.clearData()
	c.pool.connecting.pushTail(c)

	if err := c.driver.ResetStart(); err != nil {
		// Stay in reconnecting; the connect-timeout sweep retries.
		return err
	}
	return c.beginPolling()
}

func (c *connection) clearData() {
	c.queryCB = nil
	c.queryData = nil
}
