package pqnb

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jackc/pqnb/internal/ringbuf"
	"github.com/jackc/pqnb/pqdriver"
)

const (
	// maxEvents is the size of the stack-allocated epoll event batch
	// drained per call inside Run.
	maxEvents = 32

	// defaultQueueSize is the capacity of the pending query buffer.
	defaultQueueSize = 2048

	defaultConnectTimeout = 5 * time.Second
	defaultQueryTimeout   = 5 * time.Second

	maxNumConns = 65535
)

// Config is the settings used to create a pool.
type Config struct {
	// ConnString is passed through to the driver. With the default driver
	// it may be a URL or a DSN. See pqdriver.ParseConfig.
	ConnString string

	// NumConns is the fixed number of connections the pool opens. Must be
	// between 1 and 65535.
	NumConns int

	// ConnectTimeout bounds how long a connection may sit in the
	// connecting or reconnecting state before it is reset. Zero or
	// negative selects the default of 5 seconds; it cannot be disabled.
	ConnectTimeout time.Duration

	// QueryTimeout bounds both in-flight and still-queued queries. Zero
	// selects the default of 5 seconds. A negative value disables query
	// timeouts entirely.
	QueryTimeout time.Duration

	// QueueSize is the capacity of the pending query buffer. Zero selects
	// the default of 2048.
	QueueSize int

	// StartConnect begins an asynchronous connection attempt and returns
	// the driver session for it. Nil selects pqdriver.StartConnect.
	StartConnect func(connString string) (Driver, error)

	Logger   Logger
	LogLevel LogLevel
}

// Pool is a fixed-size, non-blocking connection pool. It does not own an
// event loop; the host waits on EpollFD and calls Run when it signals.
// A Pool is not safe for concurrent use.
type Pool struct {
	conns []*connection

	// A connection is on at most one of these at a time; which one is
	// derivable from its action.
	idle       connList
	connecting connList
	querying   connList

	pending  *ringbuf.Ring[queryRequest]
	epollFD  int
	connByFD map[int]*connection

	connectTimeout time.Duration
	queryTimeout   time.Duration // 0 disables the query timeout sweeps

	startConnect func(connString string) (Driver, error)
	logger       Logger
	logLevel     LogLevel

	now    func() time.Time
	closed bool
}

// New creates a Pool with default settings connecting with connString.
func New(connString string, numConns int) (*Pool, error) {
	return NewPool(Config{ConnString: connString, NumConns: numConns})
}

// NewPool creates a Pool from config. Every connection is opened
// asynchronously; NewPool itself does not wait for any of them to be
// established.
func NewPool(config Config) (*Pool, error) {
	if config.NumConns < 1 {
		return nil, errors.New("pqnb: NumConns must be at least 1")
	}
	if config.NumConns > maxNumConns {
		return nil, fmt.Errorf("pqnb: NumConns must be at most %d", maxNumConns)
	}

	p := &Pool{
		connectTimeout: config.ConnectTimeout,
		queryTimeout:   config.QueryTimeout,
		startConnect:   config.StartConnect,
		logger:         config.Logger,
		logLevel:       config.LogLevel,
		now:            time.Now,
		epollFD:        -1,
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = defaultConnectTimeout
	}
	if p.queryTimeout == 0 {
		p.queryTimeout = defaultQueryTimeout
	} else if p.queryTimeout < 0 {
		p.queryTimeout = 0
	}
	if p.startConnect == nil {
		p.startConnect = func(connString string) (Driver, error) {
			return pqdriver.StartConnect(connString)
		}
	}
	if p.logger == nil {
		p.logLevel = LogLevelNone
	}

	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p.pending = ringbuf.New[queryRequest](queueSize)

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p.epollFD = epollFD
	p.connByFD = make(map[int]*connection, config.NumConns)

	p.conns = make([]*connection, 0, config.NumConns)
	for i := 0; i < config.NumConns; i++ {
		c, err := newConnection(p, config.ConnString)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.conns = append(p.conns, c)
		if err := c.beginPolling(); err != nil {
			p.Close()
			return nil, err
		}
	}

	if p.shouldLog(LogLevelInfo) {
		p.log(LogLevelInfo, "pool created", map[string]interface{}{"numConns": config.NumConns, "queueSize": queueSize})
	}

	return p, nil
}

// Close frees every connection and the pool's epoll instance. Pending
// requests are dropped without a callback. Close is idempotent.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.conns {
		c.free()
	}
	if p.epollFD >= 0 {
		unix.Close(p.epollFD)
	}
}

// EpollFD returns the pool's readiness file descriptor. The host loop
// registers it readable and calls Run whenever it signals.
func (p *Pool) EpollFD() int {
	return p.epollFD
}

// Query submits sql. It never blocks and, on the happy path, never invokes
// the callback synchronously: cb fires from a later Run.
//
// If an idle connection exists the request is dispatched to the oldest one;
// otherwise it is queued. Query returns ErrQueueFull when every connection is
// busy and the queue is at capacity. If dispatch itself fails at the protocol
// layer, cb is invoked with the error and Query returns it.
func (p *Pool) Query(sql string, cb QueryCallback, data interface{}) error {
	if p.closed {
		return ErrPoolClosed
	}

	req := queryRequest{
		query:      sql,
		cb:         cb,
		data:       data,
		enqueuedAt: p.now(),
	}

	c := p.idle.head
	if c == nil {
		if !p.pending.Push(req) {
			return ErrQueueFull
		}
		return nil
	}
	c.unlink()
	return c.query(&req)
}

// Run performs one dispatch tick: it drains ready epoll events, advances each
// affected connection's state machine, delivers callbacks, and sweeps for
// timeouts. It performs non-blocking work only. The host calls it whenever
// EpollFD signals.
func (p *Pool) Run() error {
	if p.closed {
		return ErrPoolClosed
	}

	now := p.now()

	var events [maxEvents]unix.EpollEvent
	numEvents := maxEvents
	for numEvents == maxEvents {
		var err error
		numEvents, err = unix.EpollWait(p.epollFD, events[:], 0)
		if err != nil {
			if err == unix.EINTR {
				numEvents = maxEvents
				continue
			}
			return err
		}

		for i := 0; i < numEvents; i++ {
			c := p.connByFD[int(events[i].Fd)]
			if c == nil {
				continue
			}

			c.lastActivity = now

			bits := events[i].Events
			if bits&(unix.EPOLLERR|unix.EPOLLRDHUP) != 0 && c.action != actionReconnecting {
				c.reset()
				continue
			}

			if bits&unix.EPOLLOUT != 0 {
				c.writable = true
			}
			if bits&unix.EPOLLIN != 0 {
				c.readable = true
			}

			p.dispatch(c)
		}
	}

	p.sweepConnecting(now)
	p.sweepQuerying(now)
	p.sweepPending(now)

	return nil
}

// dispatch runs a connection's state machine after its readiness latches have
// been refreshed. The blocks are ordered and deliberately not exclusive: a
// single event can carry a connection through several transitions in one
// tick, e.g. connect completion straight into dispatching a queued query.
func (p *Pool) dispatch(c *connection) {
	if c.action == actionConnecting {
		if c.pollPhase == pollInit && c.writable {
			c.driver.ConnectPoll()
		}

		if c.pollPhase == pollRead && !c.readable {
			return
		}
		if c.pollPhase == pollWrite && !c.writable {
			return
		}

		switch c.driver.ConnectPoll() {
		case pqdriver.PollingOK:
			c.pollPhase = pollOK
			c.action = actionIdle
			c.readable = false
			c.unlink()
			if p.shouldLog(LogLevelInfo) {
				p.log(LogLevelInfo, "connection established", map[string]interface{}{"fd": c.fd})
			}
		case pqdriver.PollingReading:
			c.pollPhase = pollRead
			c.readable = false
		case pqdriver.PollingWriting:
			c.pollPhase = pollWrite
			c.writable = false
		case pqdriver.PollingFailed:
			c.reset()
		}
	}

	if c.action == actionReconnecting {
		if c.pollPhase == pollInit && c.writable {
			c.driver.ResetPoll()
		}

		if c.pollPhase == pollRead && !c.readable {
			return
		}
		if c.pollPhase == pollWrite && !c.writable {
			return
		}

		switch c.driver.ResetPoll() {
		case pqdriver.PollingOK:
			c.pollPhase = pollOK
			c.action = actionIdle
			c.readable = false
			c.unlink()
			if p.shouldLog(LogLevelInfo) {
				p.log(LogLevelInfo, "connection reestablished", map[string]interface{}{"fd": c.fd})
			}
		case pqdriver.PollingReading:
			c.pollPhase = pollRead
			c.readable = false
		case pqdriver.PollingWriting:
			c.pollPhase = pollWrite
			c.writable = false
		}
		// A failed reset poll stays in reconnecting; the connect-timeout
		// sweep retries it.
	}

	if c.action == actionFlushing {
		if c.readable {
			if err := c.read(); err != nil {
				c.reset()
				return
			}
		}
		if c.writable {
			done, err := c.write()
			if err != nil {
				c.reset()
				return
			}
			if done {
				c.action = actionQuerying
			}
		}
	}

	if c.action == actionQuerying && c.readable {
		if err := c.read(); err != nil {
			c.reset()
			return
		}
		if !c.driver.Busy() {
			for res := c.driver.NextResult(); res != nil; res = c.driver.NextResult() {
				c.queryCB(res, c.queryData, nil, false)
			}
			c.unlink()
			c.action = actionIdle
			c.clearData()
		}
	}

	if c.action == actionIdle && c.writable {
		if req := p.pending.Pop(); req != nil {
			c.unlink()
			c.query(req)
		} else if c.list == nil {
			p.idle.pushTail(c)
		}
	}
}

// sweepConnecting resets connections that have sat in connecting or
// reconnecting longer than the connect timeout. It walks the list from the
// head and stops at the first non-expired member (see connList).
func (p *Pool) sweepConnecting(now time.Time) {
	for c := p.connecting.head; c != nil; {
		if now.Sub(c.lastActivity) < p.connectTimeout {
			break
		}
		next := c.next
		c.lastActivity = now
		if p.shouldLog(LogLevelWarn) {
			p.log(LogLevelWarn, "connect timeout", map[string]interface{}{"fd": c.fd})
		}
		c.reset()
		c = next
	}
}

// sweepQuerying times out in-flight queries. The driver has no non-blocking
// cancel, so cancellation is: unlink, fire the timeout callback once, then
// reset the connection.
func (p *Pool) sweepQuerying(now time.Time) {
	if p.queryTimeout == 0 {
		return
	}
	for c := p.querying.head; c != nil; {
		if now.Sub(c.lastActivity) < p.queryTimeout {
			break
		}
		next := c.next
		c.lastActivity = now
		if p.shouldLog(LogLevelWarn) {
			p.log(LogLevelWarn, "query timeout", map[string]interface{}{"fd": c.fd})
		}
		c.unlink()
		c.action = actionCancelling
		cb, data := c.queryCB, c.queryData
		c.clearData()
		cb(nil, data, nil, true)
		c.reset()
		c = next
	}
}

// sweepPending times out requests still waiting in the queue, oldest first.
func (p *Pool) sweepPending(now time.Time) {
	if p.queryTimeout == 0 {
		return
	}
	for req := p.pending.Peek(); req != nil; req = p.pending.Peek() {
		if now.Sub(req.enqueuedAt) < p.queryTimeout {
			break
		}
		req.cb(nil, req.data, nil, true)
		p.pending.Pop()
	}
}

// Stat is a snapshot of pool counters.
type Stat struct {
	totalConns      int
	idleConns       int
	connectingConns int
	queryingConns   int
	pendingQueries  int
}

// Stat returns a snapshot of the pool.
func (p *Pool) Stat() *Stat {
	return &Stat{
		totalConns:      len(p.conns),
		idleConns:       p.idle.size,
		connectingConns: p.connecting.size,
		queryingConns:   p.querying.size,
		pendingQueries:  p.pending.Len(),
	}
}

// TotalConns is the fixed number of connections the pool owns.
func (s *Stat) TotalConns() int { return s.totalConns }

// IdleConns is the number of established connections with no query in
// flight.
func (s *Stat) IdleConns() int { return s.idleConns }

// ConnectingConns is the number of connections currently connecting or
// reconnecting.
func (s *Stat) ConnectingConns() int { return s.connectingConns }

// QueryingConns is the number of connections with a query in flight.
func (s *Stat) QueryingConns() int { return s.queryingConns }

// PendingQueries is the number of requests waiting in the queue.
func (s *Stat) PendingQueries() int { return s.pendingQueries }

func (p *Pool) shouldLog(lvl LogLevel) bool {
	return p.logger != nil && p.logLevel >= lvl
}

func (p *Pool) log(lvl LogLevel, msg string, data map[string]interface{}) {
	p.logger.Log(lvl, msg, data)
}
