package pqdriver

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PollingStatus is the driver's verdict after a connect or reset poll step:
// what kind of socket readiness it needs before the next step can make
// progress.
type PollingStatus int

const (
	PollingFailed PollingStatus = iota
	PollingReading
	PollingWriting
	PollingOK
)

// Status is the gross state of a connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusOK
	StatusBad
)

// NoticeHandler is a function that can handle notices received from the
// PostgreSQL server. Notices can be received at any time, usually during
// handling of a query response. The handler must not invoke any query method.
type NoticeHandler func(*Conn, *Notice)

// NotificationHandler is a function that can handle notifications received
// from the PostgreSQL LISTEN/NOTIFY system.
type NotificationHandler func(*Conn, *Notification)

type connectPhase int

const (
	phaseDialing connectPhase = iota // connect(2) in progress
	phaseStartup                     // flushing the startup message
	phaseHandshake                   // authentication exchange
	phaseDone
)

const readChunkSize = 8192

// maxMessageBodyLen guards against nonsense lengths from a misbehaving peer.
const maxMessageBodyLen = 1 << 30

type resolvedAddr struct {
	network  string // for net.Dial, e.g. "tcp" or "unix"
	address  string
	sockaddr unix.Sockaddr
}

// Conn is an asynchronous PostgreSQL connection. It is not safe for
// concurrent use.
type Conn struct {
	config *Config

	fd     int
	status Status
	phase  connectPhase

	addrs   []resolvedAddr
	addrIdx int
	curAddr resolvedAddr

	wbuf     []byte
	wbufSent int

	rbuf     []byte
	rbufHead int

	// Completed results in arrival order. A nil entry marks the end of one
	// query's response (the server's ReadyForQuery).
	results    []*Result
	resultHead int
	readyCount int
	curResult  *Result

	pid               uint32
	secretKey         uint32
	parameterStatuses map[string]string

	scram *scramClient

	lastErr error
}

// StartConnect begins an asynchronous connection attempt using connString
// (URL or DSN form, see ParseConfig). The attempt is advanced with
// ConnectPoll as the socket becomes ready.
func StartConnect(connString string) (*Conn, error) {
	config, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return StartConnectConfig(config)
}

// StartConnectConfig is StartConnect with an already-parsed config.
func StartConnectConfig(config *Config) (*Conn, error) {
	c := &Conn{
		config:            config,
		fd:                -1,
		status:            StatusConnecting,
		rbuf:              make([]byte, 0, 64*1024),
		wbuf:              make([]byte, 0, 1024),
		parameterStatuses: make(map[string]string),
	}

	addrs, err := resolveAddrs(config)
	if err != nil {
		return nil, err
	}
	c.addrs = addrs

	if err := c.startAttempt(); err != nil {
		return nil, err
	}
	return c, nil
}

// startAttempt opens a fresh non-blocking socket and initiates connect(2) to
// the next candidate address.
func (c *Conn) startAttempt() error {
	a := c.addrs[c.addrIdx]
	c.addrIdx = (c.addrIdx + 1) % len(c.addrs)
	c.curAddr = a

	var domain int
	switch a.sockaddr.(type) {
	case *unix.SockaddrInet4:
		domain = unix.AF_INET
	case *unix.SockaddrInet6:
		domain = unix.AF_INET6
	case *unix.SockaddrUnix:
		domain = unix.AF_UNIX
	default:
		return errors.New("unsupported address family")
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return c.fail(errors.Wrap(err, "socket failed"))
	}
	if domain != unix.AF_UNIX {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}

	err = unix.Connect(fd, a.sockaddr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return c.fail(errors.Wrapf(err, "connect to %s failed", a.address))
	}

	c.fd = fd
	c.phase = phaseDialing
	return nil
}

// ConnectPoll advances the connection handshake one step. The caller waits
// for the indicated readiness before polling again.
func (c *Conn) ConnectPoll() PollingStatus {
	switch c.phase {
	case phaseDialing:
		if !c.sockReady(unix.POLLOUT) {
			return PollingWriting
		}
		soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			c.fail(errors.Wrap(err, "getsockopt failed"))
			return PollingFailed
		}
		if soerr != 0 {
			c.fail(errors.Wrapf(unix.Errno(soerr), "connect to %s failed", c.curAddr.address))
			return PollingFailed
		}
		c.wbuf = c.buildStartupMessage(c.wbuf)
		c.phase = phaseStartup
		fallthrough

	case phaseStartup:
		done, err := c.Flush()
		if err != nil {
			return PollingFailed
		}
		if !done {
			return PollingWriting
		}
		c.phase = phaseHandshake
		return PollingReading

	case phaseHandshake:
		if err := c.ConsumeInput(); err != nil {
			return PollingFailed
		}
		if c.status == StatusBad {
			return PollingFailed
		}
		if len(c.wbuf) > c.wbufSent {
			done, err := c.Flush()
			if err != nil {
				return PollingFailed
			}
			if !done {
				return PollingWriting
			}
		}
		if c.status == StatusOK {
			c.phase = phaseDone
			return PollingOK
		}
		return PollingReading

	default:
		return PollingOK
	}
}

// ResetStart abandons the current session and begins a fresh connection
// attempt. The next candidate address is used, so a pool cycling through
// resets walks all fallbacks. The socket usually changes; the caller must
// re-register it.
func (c *Conn) ResetStart() error {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}

	c.status = StatusConnecting
	c.wbuf = c.wbuf[:0]
	c.wbufSent = 0
	c.rbuf = c.rbuf[:0]
	c.rbufHead = 0
	c.results = c.results[:0]
	c.resultHead = 0
	c.readyCount = 0
	c.curResult = nil
	c.scram = nil
	c.lastErr = nil
	c.pid = 0
	c.secretKey = 0

	return c.startAttempt()
}

// ResetPoll advances an in-progress reset. The reset handshake is identical
// to the connect handshake.
func (c *Conn) ResetPoll() PollingStatus {
	return c.ConnectPoll()
}

// SendQuery buffers a simple-protocol query. Flush sends it.
func (c *Conn) SendQuery(sql string) error {
	if c.status != StatusOK {
		err := errors.New("connection not ready")
		c.lastErr = err
		return err
	}
	c.wbuf = (&pgproto3.Query{String: sql}).Encode(c.wbuf)
	return nil
}

// Flush writes as much buffered output as the socket accepts without
// blocking. done reports that the buffer has fully drained.
func (c *Conn) Flush() (done bool, err error) {
	for c.wbufSent < len(c.wbuf) {
		n, werr := unix.Write(c.fd, c.wbuf[c.wbufSent:])
		if n > 0 {
			c.wbufSent += n
		}
		if werr != nil {
			if werr == unix.EAGAIN {
				return false, nil
			}
			if werr == unix.EINTR {
				continue
			}
			werr = errors.Wrap(werr, "write failed")
			c.fail(werr)
			return false, werr
		}
	}
	c.wbuf = c.wbuf[:0]
	c.wbufSent = 0
	return true, nil
}

// ConsumeInput reads everything the socket has without blocking and parses
// any complete protocol messages. Buffered messages are parsed even when the
// read fails, so an ErrorResponse sent during the handshake just before the
// server closed the connection still surfaces as the connection's error. After
// the handshake an ErrorResponse is queued as a Result instead.
func (c *Conn) ConsumeInput() error {
	readErr := c.readToBuffer()
	if err := c.parseMessages(); err != nil {
		c.fail(err)
		return err
	}
	if readErr != nil {
		if c.lastErr == nil {
			c.lastErr = readErr
		}
		c.status = StatusBad
		return readErr
	}
	return nil
}

func (c *Conn) readToBuffer() error {
	var chunk [readChunkSize]byte
	for {
		n, err := unix.Read(c.fd, chunk[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, chunk[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "read failed")
		}
		if n == 0 {
			return errors.New("server closed the connection unexpectedly")
		}
	}
}

func (c *Conn) parseMessages() error {
	for {
		avail := c.rbuf[c.rbufHead:]
		if len(avail) < 5 {
			break
		}
		bodyLen := int(binary.BigEndian.Uint32(avail[1:5])) - 4
		if bodyLen < 0 || bodyLen > maxMessageBodyLen {
			return errors.Errorf("invalid message length: %d", bodyLen)
		}
		if len(avail) < 5+bodyLen {
			break
		}
		msgType := avail[0]
		body := avail[5 : 5+bodyLen]
		c.rbufHead += 5 + bodyLen

		if err := c.handleMessage(msgType, body); err != nil {
			return err
		}
	}

	if c.rbufHead > 0 {
		n := copy(c.rbuf, c.rbuf[c.rbufHead:])
		c.rbuf = c.rbuf[:n]
		c.rbufHead = 0
	}
	return nil
}

// handleMessage dispatches one complete backend message. body aliases the
// read buffer; anything retained is copied.
func (c *Conn) handleMessage(msgType byte, body []byte) error {
	switch msgType {
	case 'R':
		return c.handleAuthentication(body)

	case 'S':
		var msg pgproto3.ParameterStatus
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid ParameterStatus")
		}
		c.parameterStatuses[msg.Name] = msg.Value

	case 'K':
		var msg pgproto3.BackendKeyData
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid BackendKeyData")
		}
		c.pid = msg.ProcessID
		c.secretKey = msg.SecretKey

	case 'Z':
		var msg pgproto3.ReadyForQuery
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid ReadyForQuery")
		}
		if c.status == StatusConnecting {
			c.status = StatusOK
		} else {
			if c.curResult != nil {
				c.results = append(c.results, c.curResult)
				c.curResult = nil
			}
			c.results = append(c.results, nil)
			c.readyCount++
		}

	case 'T':
		var msg pgproto3.RowDescription
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid RowDescription")
		}
		fields := make([]FieldDescription, len(msg.Fields))
		for i := range msg.Fields {
			f := &msg.Fields[i]
			fields[i] = FieldDescription{
				Name:                 string(f.Name),
				TableOID:             f.TableOID,
				TableAttributeNumber: f.TableAttributeNumber,
				DataTypeOID:          f.DataTypeOID,
				DataTypeSize:         f.DataTypeSize,
				TypeModifier:         f.TypeModifier,
				Format:               f.Format,
			}
		}
		c.curResult = &Result{Fields: fields}

	case 'D':
		var msg pgproto3.DataRow
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid DataRow")
		}
		if c.curResult == nil {
			return errors.New("DataRow without RowDescription")
		}
		row := make([][]byte, len(msg.Values))
		for i, v := range msg.Values {
			if v != nil {
				row[i] = append([]byte(nil), v...)
			}
		}
		c.curResult.Rows = append(c.curResult.Rows, row)

	case 'C':
		var msg pgproto3.CommandComplete
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid CommandComplete")
		}
		res := c.curResult
		c.curResult = nil
		if res == nil {
			res = &Result{}
		}
		res.CommandTag = CommandTag(append([]byte(nil), msg.CommandTag...))
		c.results = append(c.results, res)

	case 'I':
		c.curResult = nil
		c.results = append(c.results, &Result{})

	case 'E':
		var msg pgproto3.ErrorResponse
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid ErrorResponse")
		}
		pgErr := ErrorResponseToPgError(&msg)
		if c.status == StatusConnecting {
			c.lastErr = pgErr
			c.status = StatusBad
			return nil
		}
		c.curResult = nil
		c.results = append(c.results, &Result{Err: pgErr})

	case 'N':
		var msg pgproto3.NoticeResponse
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid NoticeResponse")
		}
		if c.config.OnNotice != nil {
			notice := Notice(*ErrorResponseToPgError((*pgproto3.ErrorResponse)(&msg)))
			c.config.OnNotice(c, &notice)
		}

	case 'A':
		var msg pgproto3.NotificationResponse
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid NotificationResponse")
		}
		if c.config.OnNotification != nil {
			c.config.OnNotification(c, &Notification{PID: msg.PID, Channel: msg.Channel, Payload: msg.Payload})
		}

	default:
		return errors.Errorf("unexpected message type %q", msgType)
	}

	return nil
}

func (c *Conn) handleAuthentication(body []byte) error {
	if len(body) < 4 {
		return errors.New("authentication message too short")
	}
	authType := binary.BigEndian.Uint32(body[:4])

	switch authType {
	case pgproto3.AuthTypeOk:

	case pgproto3.AuthTypeCleartextPassword:
		c.sendPassword(c.config.Password)

	case pgproto3.AuthTypeMD5Password:
		var msg pgproto3.AuthenticationMD5Password
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid AuthenticationMD5Password")
		}
		digestedPassword := "md5" + hexMD5(hexMD5(c.config.Password+c.config.User)+string(msg.Salt[:]))
		c.sendPassword(digestedPassword)

	case pgproto3.AuthTypeSASL:
		var msg pgproto3.AuthenticationSASL
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid AuthenticationSASL")
		}
		sc, err := newScramClient(msg.AuthMechanisms, c.config.Password)
		if err != nil {
			return err
		}
		c.scram = sc
		c.wbuf = (&pgproto3.SASLInitialResponse{
			AuthMechanism: "SCRAM-SHA-256",
			Data:          sc.clientFirstMessage(),
		}).Encode(c.wbuf)

	case pgproto3.AuthTypeSASLContinue:
		var msg pgproto3.AuthenticationSASLContinue
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid AuthenticationSASLContinue")
		}
		if c.scram == nil {
			return errors.New("SASLContinue without SASL exchange")
		}
		clientFinal, err := c.scram.recvServerFirstMessage(msg.Data)
		if err != nil {
			return err
		}
		c.wbuf = (&pgproto3.SASLResponse{Data: clientFinal}).Encode(c.wbuf)

	case pgproto3.AuthTypeSASLFinal:
		var msg pgproto3.AuthenticationSASLFinal
		if err := msg.Decode(body); err != nil {
			return errors.Wrap(err, "invalid AuthenticationSASLFinal")
		}
		if c.scram == nil {
			return errors.New("SASLFinal without SASL exchange")
		}
		if err := c.scram.recvServerFinalMessage(msg.Data); err != nil {
			return err
		}
		c.scram = nil

	default:
		return errors.Errorf("unsupported authentication type: %d", authType)
	}

	return nil
}

func (c *Conn) sendPassword(password string) {
	c.wbuf = (&pgproto3.PasswordMessage{Password: password}).Encode(c.wbuf)
}

// Busy reports whether NextResult would have to wait for more input: it is
// false once a full query response, terminated by the server's
// ReadyForQuery, has been buffered.
func (c *Conn) Busy() bool {
	return c.readyCount == 0
}

// NextResult returns the next buffered result of the current query, or nil
// once the query's results are exhausted. After nil the connection is ready
// for another query.
func (c *Conn) NextResult() *Result {
	if c.resultHead >= len(c.results) {
		return nil
	}
	res := c.results[c.resultHead]
	c.resultHead++
	if res == nil {
		c.readyCount--
	}
	if c.resultHead == len(c.results) {
		c.results = c.results[:0]
		c.resultHead = 0
	}
	return res
}

// Socket returns the connection's file descriptor. It changes across
// ResetStart.
func (c *Conn) Socket() int {
	return c.fd
}

// Status returns the gross connection state.
func (c *Conn) Status() Status {
	return c.status
}

// Err returns the last error the connection observed, if any.
func (c *Conn) Err() error {
	return c.lastErr
}

// PID returns the backend process ID reported during the handshake, 0 if not
// yet connected.
func (c *Conn) PID() uint32 {
	return c.pid
}

// ParameterStatus returns the value of a run-time parameter reported by the
// server (e.g. server_version), "" if unknown.
func (c *Conn) ParameterStatus(key string) string {
	return c.parameterStatuses[key]
}

// RequestCancel opens a side-channel connection and asks the server to
// abandon the query currently executing on this connection. Unlike the other
// methods it blocks: up to ten seconds to connect, then up to ten more seconds
// to send the request and wait for the server to close the connection.
func (c *Conn) RequestCancel() error {
	if c.pid == 0 {
		return errors.New("no backend key data")
	}

	conn, err := net.DialTimeout(c.curAddr.network, c.curAddr.address, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "cancel dial failed")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, 0, 16)
	buf = pgio.AppendInt32(buf, 16)
	buf = pgio.AppendInt32(buf, 80877102)
	buf = pgio.AppendUint32(buf, c.pid)
	buf = pgio.AppendUint32(buf, c.secretKey)
	if _, err := conn.Write(buf); err != nil {
		return errors.Wrap(err, "cancel write failed")
	}

	// The server replies by closing the connection.
	if _, err := ioutil.ReadAll(conn); err != nil && err != io.EOF {
		return errors.Wrap(err, "cancel read failed")
	}
	return nil
}

// Close terminates the session and releases the socket. A connected session
// is sent a best-effort Terminate message first.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	if c.status == StatusOK {
		unix.Write(c.fd, (&pgproto3.Terminate{}).Encode(nil))
	}
	err := unix.Close(c.fd)
	c.fd = -1
	c.status = StatusBad
	return err
}

func (c *Conn) buildStartupMessage(dst []byte) []byte {
	parameters := make(map[string]string, len(c.config.RuntimeParams)+2)
	for k, v := range c.config.RuntimeParams {
		parameters[k] = v
	}
	parameters["user"] = c.config.User
	if c.config.Database != "" {
		parameters["database"] = c.config.Database
	}

	return (&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      parameters,
	}).Encode(dst)
}

// sockReady polls the socket for the given condition without blocking.
func (c *Conn) sockReady(events int16) bool {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 {
		return false
	}
	return fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP) != 0
}

func (c *Conn) fail(err error) error {
	c.lastErr = err
	c.status = StatusBad
	return err
}

func hexMD5(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}
