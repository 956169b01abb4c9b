package sock

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var errNotConnected = errors.New("connection is not established")

// proxyConn is the per-connection state shared by the proxy
// implementations in this package.
type proxyConn struct {
	mu   sync.Mutex
	cbx  ProxyCallbacks
	conn net.Conn

	// pendingTimeout is a timeout set before the connection was
	// established, applied as a deadline right after the dial.
	pendingTimeout time.Duration

	// ownerClosed is set by CloseConnection: all further callbacks for
	// this connection must be suppressed.
	ownerClosed atomic.Bool
}

func (pc *proxyConn) callbacks() ProxyCallbacks {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.cbx
}

func (pc *proxyConn) setCallbacks(cbx ProxyCallbacks) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cbx = cbx
}

// adopt attaches the established network connection and applies a timeout
// recorded while the dial was still in progress. The return value is false
// when the owner has already closed this connection.
func (pc *proxyConn) adopt(conn net.Conn) bool {
	pc.mu.Lock()
	pc.conn = conn
	pending := pc.pendingTimeout
	pc.pendingTimeout = 0
	pc.mu.Unlock()

	if pc.ownerClosed.Load() {
		_ = conn.Close()
		return false
	}
	if pending > 0 {
		_ = conn.SetDeadline(time.Now().Add(pending))
	}
	return true
}

func (pc *proxyConn) current() net.Conn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn
}

// connRegistry hands out connection ids and maps them back to state.
type connRegistry struct {
	mu     sync.Mutex
	nextID ConnID
	conns  map[ConnID]*proxyConn
}

func (r *connRegistry) add(pc *proxyConn) ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		r.conns = make(map[ConnID]*proxyConn)
	}
	r.nextID++
	r.conns[r.nextID] = pc
	return r.nextID
}

func (r *connRegistry) get(id ConnID) *proxyConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

func (r *connRegistry) remove(id ConnID) *proxyConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc := r.conns[id]
	delete(r.conns, id)
	return pc
}

// The OutboundProxy accessors below are identical across the proxy
// implementations, so they live on the registry itself.

func (r *connRegistry) Send(id ConnID, data []byte) error {
	pc := r.get(id)
	if pc == nil {
		return errNotConnected
	}
	conn := pc.current()
	if conn == nil {
		return errNotConnected
	}
	_, err := conn.Write(data)
	return err
}

func (r *connRegistry) SetTimeout(id ConnID, d time.Duration) bool {
	pc := r.get(id)
	if pc == nil {
		return false
	}
	conn := pc.current()
	if conn == nil {
		pc.mu.Lock()
		pc.pendingTimeout = d
		pc.mu.Unlock()
		return true
	}
	if d <= 0 {
		return conn.SetDeadline(time.Time{}) == nil
	}
	return conn.SetDeadline(time.Now().Add(d)) == nil
}

func (r *connRegistry) SetCallbacks(id ConnID, cbx ProxyCallbacks) error {
	pc := r.get(id)
	if pc == nil {
		return errNotConnected
	}
	pc.setCallbacks(cbx)
	return nil
}

func (r *connRegistry) Fd(id ConnID) (uintptr, bool) {
	pc := r.get(id)
	if pc == nil {
		return 0, false
	}
	return rawFd(pc.current())
}

func (r *connRegistry) CloseConnection(id ConnID) {
	pc := r.remove(id)
	if pc == nil {
		return
	}
	pc.ownerClosed.Store(true)
	if conn := pc.current(); conn != nil {
		_ = conn.Close()
	}
}

// readLoop pumps received data into OnRead until the stream ends, then
// reports OnClose, unless the owner closed the connection meanwhile.
// src is usually the connection itself but may be wrapped when a handshake
// left buffered bytes behind.
func (r *connRegistry) readLoop(id ConnID, pc *proxyConn, src io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if pc.ownerClosed.Load() {
			return
		}
		if n > 0 {
			if cbx := pc.callbacks(); cbx.OnRead != nil {
				cbx.OnRead(buf[:n])
			}
		}
		if err != nil {
			r.remove(id)
			if err == io.EOF {
				err = nil
			}
			if cbx := pc.callbacks(); cbx.OnClose != nil {
				cbx.OnClose(err)
			}
			return
		}
	}
}

// rawFd extracts the file descriptor of a connection when possible.
func rawFd(conn net.Conn) (uintptr, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd uintptr
	if err = raw.Control(func(cfd uintptr) { fd = cfd }); err != nil {
		return 0, false
	}
	return fd, true
}
