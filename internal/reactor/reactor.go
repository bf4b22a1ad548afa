// Package reactor runs the single epoll event loop that owns every
// connection's readiness notification: the goroutine that calls epoll_wait
// is the only goroutine that ever touches the epoll instance or the
// fd->Connection table directly. Worker goroutines do the actual
// Read/Process/Write and report back what they need (rearm for IN, rearm
// for OUT, or close) over a wake channel, which keeps every epoll_ctl call
// and every map mutation on that one goroutine instead of relying on
// cross-thread synchronization around the multiplexer itself.
package reactor

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kagehttp/reactorweb/internal/httpconn"
	"github.com/kagehttp/reactorweb/internal/httpmsg"
	"github.com/kagehttp/reactorweb/internal/logging"
	"github.com/kagehttp/reactorweb/internal/timingwheel"
	"github.com/kagehttp/reactorweb/internal/workerpool"
)

const maxBacklog = 6

// Config bundles everything the reactor needs that originates outside
// this package: the listening port, trigger mode, MAX_FD ceiling, and
// the collaborators it drives work through.
type Config struct {
	Port       int
	ListenET   bool
	ConnET     bool
	MaxFD      int
	TimeoutMS  int64
	OpenLinger bool
	Handler    *httpmsg.Handler
	Pool       *workerpool.Pool
	Wheel      *timingwheel.Wheel
	Log        *logging.Logger
}

type opKind int

const (
	opRearm opKind = iota
	opClose
)

type pendingOp struct {
	conn   *httpconn.Connection
	events uint32
	kind   opKind
}

// Reactor owns the epoll fd, the listening socket, and the fd->Connection
// table. Exactly one goroutine (Run) ever calls epoll_wait/epoll_ctl.
type Reactor struct {
	cfg Config

	epfd     int
	listenFd int
	wakeFd   int

	connET    uint32 // EPOLLET if ConnET, else 0
	listenET  bool
	maxFD     int
	userCount int64

	mu    sync.Mutex
	conns map[int]*httpconn.Connection

	connPool sync.Pool

	opMu sync.Mutex
	ops  []pendingOp

	closeCh   chan struct{}
	closeOnce sync.Once
}

// New creates the epoll instance and the listening socket but does not
// start serving; call Run to enter the event loop.
func New(cfg Config) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		cfg:      cfg,
		epfd:     epfd,
		wakeFd:   wakeFd,
		listenET: cfg.ListenET,
		maxFD:    cfg.MaxFD,
		conns:    make(map[int]*httpconn.Connection),
		closeCh:  make(chan struct{}),
	}
	if cfg.ConnET {
		r.connET = unix.EPOLLET
	}
	r.connPool.New = func() interface{} { return httpconn.New(cfg.Handler) }

	if err := r.initSocket(); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}

	if err := epollAdd(epfd, wakeFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reactor) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}

	if r.cfg.OpenLinger {
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
			unix.Close(fd)
			return err
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}

	addr := &unix.SockaddrInet4{Port: r.cfg.Port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, maxBacklog); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	listenEvents := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if r.listenET {
		listenEvents |= unix.EPOLLET
	}
	if err := epollAdd(r.epfd, fd, listenEvents); err != nil {
		unix.Close(fd)
		return err
	}

	r.listenFd = fd
	return nil
}

func epollAdd(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func epollMod(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func epollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks, servicing epoll events until Close is called or ctx-like
// cancellation happens through Close. It returns nil on a clean shutdown.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 1024)
	for {
		select {
		case <-r.closeCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-r.closeCh:
				return nil
			default:
				return err
			}
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch {
			case fd == r.wakeFd:
				r.drainWake()
				r.drainOps()
			case fd == r.listenFd:
				r.dealListen()
			default:
				r.dispatch(fd, ev)
			}
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *Reactor) dispatch(fd int, ev uint32) {
	r.mu.Lock()
	conn, ok := r.conns[fd]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
		r.cfg.Wheel.Cancel(conn.TimerKey())
		r.closeConn(conn)
	case ev&unix.EPOLLIN != 0:
		r.extentTime(conn)
		if err := r.cfg.Pool.Enqueue(func() { r.onRead(conn) }); err != nil {
			r.closeConn(conn)
		}
	case ev&unix.EPOLLOUT != 0:
		r.extentTime(conn)
		if err := r.cfg.Pool.Enqueue(func() { r.onWrite(conn) }); err != nil {
			r.closeConn(conn)
		}
	}
}

// dealListen drains the accept queue: under edge-triggered listen mode a
// single EPOLLIN can represent many queued connections, so it loops until
// accept reports EAGAIN; level-triggered mode accepts once per readiness
// notification because the next epoll_wait will simply report IN again.
func (r *Reactor) dealListen() {
	for {
		fd, sa, err := unix.Accept(r.listenFd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				r.cfg.Log.Warnf("accept: %v", err)
			}
			return
		}

		if atomic.LoadInt64(&r.userCount) >= int64(r.maxFD) {
			unix.Write(fd, httpmsg.Busy())
			unix.Close(fd)
			r.cfg.Log.Warnf("client rejected: at capacity (%d)", r.maxFD)
			if !r.listenET {
				return
			}
			continue
		}

		r.addClient(fd, sa)

		if !r.listenET {
			return
		}
	}
}

func (r *Reactor) addClient(fd int, sa unix.Sockaddr) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}

	conn := r.connPool.Get().(*httpconn.Connection)
	conn.Init(fd, sockaddrToNetAddr(sa), r.cfg.ConnET)

	r.mu.Lock()
	r.conns[fd] = conn
	r.mu.Unlock()
	atomic.AddInt64(&r.userCount, 1)

	if err := epollAdd(r.epfd, fd, unix.EPOLLIN|unix.EPOLLONESHOT|unix.EPOLLRDHUP|r.connET); err != nil {
		r.cfg.Log.Warnf("epoll add fd=%d: %v", fd, err)
		r.closeConn(conn)
		return
	}

	r.extentTime(conn)
	r.cfg.Log.Debugf("client fd=%d connected", fd)
}

// extentTime (re)schedules the idle-eviction timer for conn, extending its
// deadline on every readiness event so an actively chatty connection is
// never evicted mid-conversation.
func (r *Reactor) extentTime(conn *httpconn.Connection) {
	if r.cfg.TimeoutMS <= 0 {
		return
	}
	r.cfg.Wheel.Schedule(conn.TimerKey(), r.cfg.TimeoutMS, func(uint64) {
		r.queueOp(pendingOp{conn: conn, kind: opClose})
	})
}

func (r *Reactor) onRead(conn *httpconn.Connection) {
	n, err := conn.Read()
	if n <= 0 && err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		r.cfg.Wheel.Cancel(conn.TimerKey())
		r.queueOp(pendingOp{conn: conn, kind: opClose})
		return
	}
	r.onProcess(conn)
}

func (r *Reactor) onProcess(conn *httpconn.Connection) {
	if conn.Process() {
		r.queueOp(pendingOp{conn: conn, events: unix.EPOLLOUT | unix.EPOLLONESHOT | unix.EPOLLRDHUP | r.connET, kind: opRearm})
	} else {
		r.queueOp(pendingOp{conn: conn, events: unix.EPOLLIN | unix.EPOLLONESHOT | unix.EPOLLRDHUP | r.connET, kind: opRearm})
	}
}

func (r *Reactor) onWrite(conn *httpconn.Connection) {
	n, err := conn.Write()

	if conn.ToWriteBytes() == 0 && conn.IsKeepAlive() {
		r.onProcess(conn)
		return
	}

	eagain := n < 0 && (err == unix.EAGAIN || err == unix.EWOULDBLOCK)
	if conn.ToWriteBytes() > 0 && (eagain || err == nil) {
		r.queueOp(pendingOp{conn: conn, events: unix.EPOLLOUT | unix.EPOLLONESHOT | unix.EPOLLRDHUP | r.connET, kind: opRearm})
		return
	}

	r.cfg.Wheel.Cancel(conn.TimerKey())
	r.queueOp(pendingOp{conn: conn, kind: opClose})
}

func (r *Reactor) queueOp(op pendingOp) {
	r.opMu.Lock()
	r.ops = append(r.ops, op)
	r.opMu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	unix.Write(r.wakeFd, b[:])
}

func (r *Reactor) drainOps() {
	r.opMu.Lock()
	ops := r.ops
	r.ops = nil
	r.opMu.Unlock()

	for _, op := range ops {
		switch op.kind {
		case opRearm:
			r.mu.Lock()
			_, live := r.conns[op.conn.Fd()]
			r.mu.Unlock()
			if !live {
				continue
			}
			if err := epollMod(r.epfd, op.conn.Fd(), op.events); err != nil {
				r.closeConn(op.conn)
			}
		case opClose:
			r.closeConn(op.conn)
		}
	}
}

// closeConn runs only on the reactor goroutine: drop fd from the table,
// remove it from epoll, then close and release the connection. Idempotent because Connection
// tracks its own closed state and a second lookup of a removed fd is a
// no-op for the caller.
func (r *Reactor) closeConn(conn *httpconn.Connection) {
	fd := conn.Fd()

	r.mu.Lock()
	_, live := r.conns[fd]
	if live {
		delete(r.conns, fd)
	}
	r.mu.Unlock()
	if !live {
		return
	}

	epollDel(r.epfd, fd)
	conn.Close()
	atomic.AddInt64(&r.userCount, -1)
	r.cfg.Log.Debugf("client fd=%d closed", fd)
	r.connPool.Put(conn)
}

// Close stops Run and releases the listening socket, epoll fd, and wake
// fd. It does not close client connections still in the table: their fds
// stay open, and once Run has returned no event, timer fire, or client
// close is serviced for them any more.
func (r *Reactor) Close() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.wake()
		unix.Close(r.listenFd)
		unix.Close(r.wakeFd)
		unix.Close(r.epfd)
	})
}

// ActiveConns reports the current connection count, used for diagnostics
// and tests.
func (r *Reactor) ActiveConns() int64 {
	return atomic.LoadInt64(&r.userCount)
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	default:
		return nil
	}
}
