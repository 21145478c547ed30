package pqnb_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jackc/pqnb"
	"github.com/jackc/pqnb/pqdriver"
)

// stubDriver implements pqnb.Driver over one end of a socketpair so tests can
// produce real edge-triggered readiness events.
type stubDriver struct {
	t    *testing.T
	fd   int
	peer int

	connectPoll []pqdriver.PollingStatus
	resetPoll   []pqdriver.PollingStatus
	sendErr     error
	flushDone   bool
	flushErr    error
	consumeErr  error
	busy        bool
	results     []*pqdriver.Result
	errVal      error

	sentQueries []string
	resetCount  int
	closed      bool
}

func newStubDriver(t *testing.T) *stubDriver {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	s := &stubDriver{
		t:           t,
		fd:          fds[0],
		peer:        fds[1],
		connectPoll: []pqdriver.PollingStatus{pqdriver.PollingOK},
		resetPoll:   []pqdriver.PollingStatus{pqdriver.PollingOK},
		flushDone:   true,
	}
	t.Cleanup(func() {
		if !s.closed {
			unix.Close(s.fd)
		}
		if s.peer >= 0 {
			unix.Close(s.peer)
		}
	})
	return s
}

func nextStatus(script []pqdriver.PollingStatus) (pqdriver.PollingStatus, []pqdriver.PollingStatus) {
	if len(script) > 1 {
		return script[0], script[1:]
	}
	return script[0], script
}

func (s *stubDriver) ConnectPoll() pqdriver.PollingStatus {
	var status pqdriver.PollingStatus
	status, s.connectPoll = nextStatus(s.connectPoll)
	return status
}

func (s *stubDriver) ResetStart() error {
	s.resetCount++
	return nil
}

func (s *stubDriver) ResetPoll() pqdriver.PollingStatus {
	var status pqdriver.PollingStatus
	status, s.resetPoll = nextStatus(s.resetPoll)
	return status
}

func (s *stubDriver) SendQuery(sql string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sentQueries = append(s.sentQueries, sql)
	return nil
}

func (s *stubDriver) Flush() (bool, error) { return s.flushDone, s.flushErr }
func (s *stubDriver) ConsumeInput() error { return s.consumeErr }
func (s *stubDriver) Busy() bool { return s.busy }
func (s *stubDriver) Socket() int { return s.fd }
func (s *stubDriver) RequestCancel() error { return nil }
func (s *stubDriver) Err() error { return s.errVal }

func (s *stubDriver) NextResult() *pqdriver.Result {
	if len(s.results) == 0 {
		return nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func (s *stubDriver) Close() error {
	s.closed = true
	return unix.Close(s.fd)
}

// trigger makes the stub's socket readable by writing a byte to the peer end.
func (s *stubDriver) trigger() {
	_, err := unix.Write(s.peer, []byte{0})
	require.NoError(s.t, err)
}

// hangup closes the peer end so epoll reports EPOLLRDHUP.
func (s *stubDriver) hangup() {
	unix.Close(s.peer)
	s.peer = -1
}

type fakeClock struct {
	now time.Time
}

func (fc *fakeClock) Now() time.Time { return fc.now }

func (fc *fakeClock) advance(d time.Duration) { fc.now = fc.now.Add(d) }

type testPool struct {
	pool  *pqnb.Pool
	stubs []*stubDriver
	clock *fakeClock
}

func newTestPool(t *testing.T, numConns int, mutate func(*pqnb.Config)) *testPool {
	tp := &testPool{clock: &fakeClock{now: time.Unix(1000000, 0)}}

	config := pqnb.Config{
		ConnString: "stub",
		NumConns:   numConns,
		StartConnect: func(connString string) (pqnb.Driver, error) {
			s := newStubDriver(t)
			tp.stubs = append(tp.stubs, s)
			return s, nil
		},
	}
	if mutate != nil {
		mutate(&config)
	}

	pool, err := pqnb.NewPool(config)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	pqnb.SetClock(pool, tp.clock.Now)

	tp.pool = pool
	return tp
}

func (tp *testPool) run(t *testing.T) {
	require.NoError(t, tp.pool.Run())
}

func singleRow(value string) *pqdriver.Result {
	return &pqdriver.Result{
		Fields:     []pqdriver.FieldDescription{{Name: "v", DataTypeOID: 25, DataTypeSize: -1, Format: 0}},
		Rows:       [][][]byte{{[]byte(value)}},
		CommandTag: pqdriver.CommandTag("SELECT 1"),
	}
}

type callbackRecorder struct {
	results  []*pqdriver.Result
	errs     []error
	timeouts int
}

func (cr *callbackRecorder) callback(res *pqdriver.Result, data interface{}, err error, timedOut bool) {
	switch {
	case timedOut:
		cr.timeouts++
	case err != nil:
		cr.errs = append(cr.errs, err)
	default:
		cr.results = append(cr.results, res)
	}
}

func (cr *callbackRecorder) total() int {
	return len(cr.results) + len(cr.errs) + cr.timeouts
}

func TestPoolConnectsAndParksIdle(t *testing.T) {
	tp := newTestPool(t, 2, nil)
	tp.run(t)

	stat := tp.pool.Stat()
	assert.Equal(t, 2, stat.TotalConns())
	assert.Equal(t, 2, stat.IdleConns())
	assert.Equal(t, 0, stat.ConnectingConns())
	assert.Equal(t, 0, stat.QueryingConns())
}

func TestPoolHappyPath(t *testing.T) {
	tp := newTestPool(t, 2, nil)
	tp.run(t)

	var q1, q2, q3 callbackRecorder
	require.NoError(t, tp.pool.Query("select 1", q1.callback, nil))
	require.NoError(t, tp.pool.Query("select 2", q2.callback, nil))
	require.NoError(t, tp.pool.Query("select 3", q3.callback, nil))

	stat := tp.pool.Stat()
	assert.Equal(t, 0, stat.IdleConns())
	assert.Equal(t, 2, stat.QueryingConns())
	assert.Equal(t, 1, stat.PendingQueries())

	for _, s := range tp.stubs {
		require.Len(t, s.sentQueries, 1)
	}

	// Each connection completes its query; the first to finish picks up the
	// queued third request without parking.
	for _, s := range tp.stubs {
		s.results = []*pqdriver.Result{singleRow("x")}
		s.trigger()
	}
	tp.run(t)

	assert.Equal(t, 0, tp.pool.Stat().PendingQueries())
	total := 0
	for _, s := range tp.stubs {
		total += len(s.sentQueries)
	}
	assert.Equal(t, 3, total)

	// Complete the third query.
	for _, s := range tp.stubs {
		if len(s.sentQueries) == 2 {
			s.results = []*pqdriver.Result{singleRow("y")}
			s.trigger()
		}
	}
	tp.run(t)

	assert.Len(t, q1.results, 1)
	assert.Len(t, q2.results, 1)
	assert.Len(t, q3.results, 1)
	assert.Equal(t, 1, q1.total())
	assert.Equal(t, 1, q2.total())
	assert.Equal(t, 1, q3.total())

	stat = tp.pool.Stat()
	assert.Equal(t, 2, stat.IdleConns())
	assert.Equal(t, 0, stat.QueryingConns())
}

func TestPoolDeliversMultipleResults(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.run(t)

	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("select 1; select 2", rec.callback, nil))

	s := tp.stubs[0]
	s.results = []*pqdriver.Result{singleRow("a"), singleRow("b")}
	s.trigger()
	tp.run(t)

	assert.Len(t, rec.results, 2)
	assert.Equal(t, 1, tp.pool.Stat().IdleConns())
}

func TestPoolQueueBackpressure(t *testing.T) {
	tp := newTestPool(t, 1, func(config *pqnb.Config) {
		config.QueueSize = 3
	})
	tp.stubs[0].connectPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("q1", rec.callback, nil))
	require.NoError(t, tp.pool.Query("q2", rec.callback, nil))
	require.NoError(t, tp.pool.Query("q3", rec.callback, nil))
	err := tp.pool.Query("q4", rec.callback, nil)
	assert.ErrorIs(t, err, pqnb.ErrQueueFull)

	assert.Equal(t, 3, tp.pool.Stat().PendingQueries())
	assert.Equal(t, 0, rec.total())
}

func TestPoolConnectTimeout(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.stubs[0].connectPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)
	assert.Equal(t, 1, tp.pool.Stat().ConnectingConns())

	tp.clock.advance(1 * time.Second)
	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("q1", rec.callback, nil))

	tp.clock.advance(5 * time.Second)
	tp.run(t)
	assert.Equal(t, 1, tp.stubs[0].resetCount)
	assert.Equal(t, 1, rec.timeouts)
	assert.Equal(t, 1, rec.total())
	assert.Equal(t, 0, tp.pool.Stat().PendingQueries())

	// The timed-out request must never fire again.
	tp.clock.advance(10 * time.Second)
	tp.run(t)
	assert.Equal(t, 1, rec.total())
}

func TestPoolPeerHangupMidQuery(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("q1", rec.callback, nil))
	assert.Equal(t, 1, tp.pool.Stat().QueryingConns())

	tp.stubs[0].hangup()
	tp.run(t)

	require.Len(t, rec.errs, 1)
	assert.Error(t, rec.errs[0])
	assert.Equal(t, 1, rec.total())
	assert.Equal(t, 1, tp.stubs[0].resetCount)
	assert.Equal(t, 1, tp.pool.Stat().ConnectingConns())

	tp.run(t)
	assert.Equal(t, 1, rec.total())
}

func TestPoolFIFOFairness(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.run(t)

	var q1, q2 callbackRecorder
	require.NoError(t, tp.pool.Query("q1", q1.callback, nil))
	require.NoError(t, tp.pool.Query("q2", q2.callback, nil))
	assert.Equal(t, 1, tp.pool.Stat().PendingQueries())

	s := tp.stubs[0]
	s.results = []*pqdriver.Result{singleRow("a")}
	s.trigger()
	tp.run(t)

	// q2 was dispatched the moment q1 finished; the connection never parked.
	assert.Len(t, q1.results, 1)
	assert.Equal(t, []string{"q1", "q2"}, s.sentQueries)
	assert.Equal(t, 0, tp.pool.Stat().IdleConns())
	assert.Equal(t, 1, tp.pool.Stat().QueryingConns())
	assert.Equal(t, 0, tp.pool.Stat().PendingQueries())
}

func TestPoolQueryTimeout(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("q1", rec.callback, nil))

	tp.clock.advance(6 * time.Second)
	tp.run(t)

	assert.Equal(t, 1, rec.timeouts)
	assert.Equal(t, 1, rec.total())
	assert.Equal(t, 1, tp.stubs[0].resetCount)
	assert.Equal(t, 1, tp.pool.Stat().ConnectingConns())
	assert.Equal(t, 0, tp.pool.Stat().QueryingConns())

	tp.clock.advance(20 * time.Second)
	tp.run(t)
	assert.Equal(t, 1, rec.total())
}

func TestPoolQueryTimeoutDisabled(t *testing.T) {
	tp := newTestPool(t, 1, func(config *pqnb.Config) {
		config.QueryTimeout = -1
	})
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	var inflight, queued callbackRecorder
	require.NoError(t, tp.pool.Query("q1", inflight.callback, nil))
	require.NoError(t, tp.pool.Query("q2", queued.callback, nil))

	tp.clock.advance(100 * time.Second)
	tp.run(t)

	assert.Equal(t, 0, inflight.total())
	assert.Equal(t, 0, queued.total())
	assert.Equal(t, 1, tp.pool.Stat().QueryingConns())
	assert.Equal(t, 1, tp.pool.Stat().PendingQueries())
}

func TestPoolRepeatedResetKeepsSingleListMembership(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.stubs[0].connectPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	for i := 0; i < 4; i++ {
		tp.clock.advance(6 * time.Second)
		tp.run(t)
	}

	assert.GreaterOrEqual(t, tp.stubs[0].resetCount, 2)
	assert.Equal(t, 1, tp.pool.Stat().ConnectingConns())
}

func TestPoolDispatchFailureInvokesCallback(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.stubs[0].resetPoll = []pqdriver.PollingStatus{pqdriver.PollingReading}
	tp.run(t)

	sendErr := errors.New("send failed")
	tp.stubs[0].sendErr = sendErr
	tp.stubs[0].errVal = sendErr

	var rec callbackRecorder
	err := tp.pool.Query("q1", rec.callback, nil)
	assert.Error(t, err)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, sendErr, rec.errs[0])
	assert.Equal(t, 1, tp.pool.Stat().ConnectingConns())
}

func TestPoolFlushingState(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.run(t)

	s := tp.stubs[0]
	s.flushDone = false

	var rec callbackRecorder
	require.NoError(t, tp.pool.Query("q1", rec.callback, nil))
	assert.Equal(t, 1, tp.pool.Stat().QueryingConns())

	// Flush completes on the next writable event. The readable latch was
	// consumed by the same tick's read, so the result is drained on the
	// following event.
	s.flushDone = true
	s.trigger()
	tp.run(t)
	assert.Equal(t, 1, tp.pool.Stat().QueryingConns())

	s.results = []*pqdriver.Result{singleRow("a")}
	s.trigger()
	tp.run(t)

	assert.Len(t, rec.results, 1)
	assert.Equal(t, 1, tp.pool.Stat().IdleConns())
}

func TestNewPoolValidation(t *testing.T) {
	_, err := pqnb.NewPool(pqnb.Config{ConnString: "stub", NumConns: 0})
	assert.Error(t, err)

	_, err = pqnb.NewPool(pqnb.Config{ConnString: "stub", NumConns: 100000})
	assert.Error(t, err)
}

func TestPoolClosed(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	tp.pool.Close()

	assert.ErrorIs(t, tp.pool.Run(), pqnb.ErrPoolClosed)
	assert.ErrorIs(t, tp.pool.Query("q", func(*pqdriver.Result, interface{}, error, bool) {}, nil), pqnb.ErrPoolClosed)
}

func TestPoolEpollFD(t *testing.T) {
	tp := newTestPool(t, 1, nil)
	assert.GreaterOrEqual(t, tp.pool.EpollFD(), 0)
}
