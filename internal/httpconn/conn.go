// Package httpconn implements the per-connection state machine:
// NEW -> READING -> WRITING -> (keep-alive ? READING : CLOSED), with
// non-blocking partial-read/partial-write discipline over the
// scatter-gather Buffer and a two-region iovec drain path for writev.
package httpconn

import (
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kagehttp/reactorweb/internal/buffer"
	"github.com/kagehttp/reactorweb/internal/httpmsg"
)

// State is the connection's position in the NEW/READING/WRITING/CLOSED
// state machine.
type State int

const (
	StateNew State = iota
	StateReading
	StateWriting
	StateClosed
)

var nextID uint64

// NextTimerKey returns a fresh monotonically increasing identifier, used
// as the timer wheel key instead of the fd itself. A recycled fd number
// could otherwise let a stale timer fire target a freshly accepted
// connection; a key that is never recycled closes that race.
func NextTimerKey() uint64 {
	return atomic.AddUint64(&nextID, 1)
}

// Connection is one client's state: fd, peer address, input buffer, the
// pending response, keep-alive flag, pending-write counter, timer key, and
// the handler used to turn a parsed request into a response.
type Connection struct {
	fd       int
	peer     net.Addr
	input    *buffer.Buffer
	timerKey uint64
	isET     bool

	state     State
	keepAlive bool
	toWrite   int

	handler *httpmsg.Handler
	resp    *httpmsg.Response

	// headSent/bodySent track progress through the two-region iovec drain.
	headSent int
	bodySent int

	closed bool
}

// New constructs a Connection in StateNew. Callers must call Init before
// using it for IO.
func New(handler *httpmsg.Handler) *Connection {
	return &Connection{
		input:   buffer.New(),
		handler: handler,
	}
}

// Init binds the connection to fd/addr, resets buffers, clears keep-alive,
// assigns a fresh timer key, and transitions into StateReading.
func (c *Connection) Init(fd int, addr net.Addr, isET bool) {
	c.fd = fd
	c.peer = addr
	c.isET = isET
	c.input.RetrieveAll()
	c.keepAlive = false
	c.toWrite = 0
	c.headSent = 0
	c.bodySent = 0
	c.resp = nil
	c.state = StateReading
	c.timerKey = NextTimerKey()
	c.closed = false
}

func (c *Connection) Fd() int            { return c.fd }
func (c *Connection) PeerAddr() net.Addr { return c.peer }
func (c *Connection) TimerKey() uint64   { return c.timerKey }
func (c *Connection) IsKeepAlive() bool  { return c.keepAlive }
func (c *Connection) ToWriteBytes() int  { return c.toWrite }
func (c *Connection) State() State       { return c.state }

// Read pulls bytes from fd into the input buffer. Under edge-triggered
// mode it loops until EAGAIN (a single IN event may carry arbitrarily much
// pending data); under level-triggered mode one read is enough because the
// next epoll_wait will simply report IN again if more remains. Returns
// total bytes read this call and the last captured errno, with EAGAIN
// reported like any other error rather than swallowed.
func (c *Connection) Read() (n int, err error) {
	for {
		nr, rerr := c.input.ReadFd(c.fd)
		if rerr != nil {
			if nr > 0 {
				n += nr
			}
			return n, rerr
		}
		if nr == 0 {
			// readv returning 0 with no error is the peer's graceful
			// close, same as a bare read(2) returning 0 at EOF.
			return n, io.EOF
		}
		n += nr
		if !c.isET {
			return n, nil
		}
	}
}

// Process runs the HTTP handler against the input buffer. On a complete
// request it stores the response (head and body) as the pending write and
// resets the iovec progress, then returns true
// ("ready to write"); on incomplete input it returns false ("want more
// read"). A malformed request short-circuits straight to a 400 response
// instead of waiting for more bytes that will never complete it.
func (c *Connection) Process() bool {
	req, ok, err := httpmsg.ParseRequest(c.input)
	if err != nil {
		c.setResponse(c.handler.BadRequest())
		return true
	}
	if !ok {
		return false
	}

	resp := c.handler.Handle(req)
	c.setResponse(resp)
	return true
}

func (c *Connection) setResponse(resp *httpmsg.Response) {
	if c.resp != nil {
		c.resp.Release()
	}
	c.resp = resp
	c.keepAlive = resp.KeepAlive
	c.headSent = 0
	c.bodySent = 0
	c.toWrite = len(resp.Head) + len(resp.Body)
	c.state = StateWriting
}

// Write issues a writev over the two-region (head, body) iovec, advancing
// headSent/bodySent and decrementing toWrite by however much was actually
// written. Returns the bytes written this call and the last captured
// errno.
func (c *Connection) Write() (n int, err error) {
	if c.resp == nil || c.toWrite == 0 {
		return 0, nil
	}

	iov := c.pendingIovec()
	nw, werr := unix.Writev(c.fd, iov)
	if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
		return -1, werr
	}
	if werr != nil {
		return nw, werr
	}

	c.advance(nw)
	if c.toWrite == 0 && c.keepAlive {
		c.state = StateReading
	}
	return nw, nil
}

func (c *Connection) pendingIovec() [][]byte {
	var iov [][]byte
	if head := c.resp.Head[c.headSent:]; len(head) > 0 {
		iov = append(iov, head)
	}
	if body := c.resp.Body[c.bodySent:]; len(body) > 0 {
		iov = append(iov, body)
	}
	return iov
}

func (c *Connection) advance(n int) {
	headRemain := len(c.resp.Head) - c.headSent
	if n <= headRemain {
		c.headSent += n
		c.toWrite -= n
		return
	}
	n -= headRemain
	c.headSent = len(c.resp.Head)
	c.toWrite -= headRemain

	bodyRemain := len(c.resp.Body) - c.bodySent
	if n > bodyRemain {
		n = bodyRemain
	}
	c.bodySent += n
	c.toWrite -= n
}

// Close closes fd exactly once; a second call is a no-op. The reactor and
// a racing timer fire may both end up calling this for the same
// connection, so idempotency is load-bearing, not incidental.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.resp != nil {
		c.resp.Release()
		c.resp = nil
	}
	unix.Close(c.fd)
	c.state = StateClosed
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool { return c.closed }
