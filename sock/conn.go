package sock

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// DialSocket drives a Socket through its connect sequence and adapts it to
// a blocking net.Conn. It returns once the peer-level connection is
// established (possibly after a proxy fallback) or the context expires.
func DialSocket(ctx context.Context, s Socket, peer netip.AddrPort) (net.Conn, error) {
	pr, pw := io.Pipe()
	connected := make(chan struct{})
	failed := make(chan error, 1)
	var connectedOnce sync.Once

	err := s.Connect(ConnectParams{
		Peer:    peer,
		Timeout: timeoutFromContext(ctx),
		Callbacks: Callbacks{
			OnConnected: func() {
				connectedOnce.Do(func() { close(connected) })
			},
			OnRead: func(data []byte) {
				// Write returns only after the reader has consumed
				// the bytes, so the slice is not retained.
				_, _ = pw.Write(data)
			},
			OnClose: func(err error) {
				select {
				case failed <- err:
				default:
				}
				if err == nil {
					err = io.EOF
				}
				_ = pw.CloseWithError(err)
			},
		},
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-connected:
	case cerr := <-failed:
		s.Close()
		if cerr == nil {
			cerr = errors.New("connection closed before being established")
		}
		return nil, cerr
	case <-ctx.Done():
		s.Close()
		_ = pw.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	return &socketConn{sock: s, pr: pr, peer: peer}, nil
}

// socketConn is the net.Conn face of a connected Socket.
type socketConn struct {
	sock      Socket
	pr        *io.PipeReader
	peer      netip.AddrPort
	closeOnce sync.Once
}

var _ net.Conn = (*socketConn)(nil)

func (c *socketConn) Read(b []byte) (int, error) {
	return c.pr.Read(b)
}

func (c *socketConn) Write(b []byte) (int, error) {
	if err := c.sock.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		c.sock.Close()
		_ = c.pr.Close()
	})
	return nil
}

func (c *socketConn) LocalAddr() net.Addr {
	return &net.TCPAddr{}
}

func (c *socketConn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.peer)
}

func (c *socketConn) SetDeadline(t time.Time) error {
	if t.IsZero() {
		c.sock.SetTimeout(0)
		return nil
	}
	c.sock.SetTimeout(time.Until(t))
	return nil
}

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.SetDeadline(t)
}

func (c *socketConn) SetWriteDeadline(t time.Time) error {
	return c.SetDeadline(t)
}

// securedSocket layers TLS on top of another Socket. The inner socket is
// usually a ProxiedSocket, so the handshake transparently benefits from
// the proxy fallback.
type securedSocket struct {
	inner Socket
	cfg   *tls.Config

	cbxMu sync.Mutex
	cbx   Callbacks

	mu      sync.Mutex
	tlsConn *tls.Conn
	cancel  context.CancelFunc
	closed  bool
}

var _ Socket = (*securedSocket)(nil)

func (s *securedSocket) Connect(params ConnectParams) error {
	if err := s.SetCallbacks(params.Callbacks); err != nil {
		return err
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if params.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), params.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errNotConnected
	}
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, params.Peer)
	return nil
}

func (s *securedSocket) run(ctx context.Context, peer netip.AddrPort) {
	rawConn, err := DialSocket(ctx, s.inner, peer)
	if err != nil {
		s.deliverClose(err)
		return
	}

	tlsConn := tls.Client(rawConn, s.cfg)
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		s.deliverClose(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = tlsConn.Close()
		return
	}
	s.tlsConn = tlsConn
	s.mu.Unlock()

	if cbx := s.callbacks(); cbx.OnConnected != nil {
		cbx.OnConnected()
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := tlsConn.Read(buf)
		if s.isClosed() {
			return
		}
		if n > 0 {
			if cbx := s.callbacks(); cbx.OnRead != nil {
				cbx.OnRead(buf[:n])
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				rerr = nil
			}
			s.deliverClose(rerr)
			return
		}
	}
}

func (s *securedSocket) Send(data []byte) error {
	s.mu.Lock()
	tlsConn := s.tlsConn
	s.mu.Unlock()
	if tlsConn == nil {
		return errNotConnected
	}
	_, err := tlsConn.Write(data)
	return err
}

func (s *securedSocket) SetTimeout(d time.Duration) bool {
	return s.inner.SetTimeout(d)
}

func (s *securedSocket) SetCallbacks(cbx Callbacks) error {
	s.cbxMu.Lock()
	defer s.cbxMu.Unlock()
	s.cbx = cbx
	return nil
}

func (s *securedSocket) Fd() (uintptr, bool) {
	return s.inner.Fd()
}

func (s *securedSocket) Close() {
	s.mu.Lock()
	s.closed = true
	tlsConn := s.tlsConn
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tlsConn != nil {
		_ = tlsConn.Close()
	}
	s.inner.Close()
}

func (s *securedSocket) callbacks() Callbacks {
	s.cbxMu.Lock()
	defer s.cbxMu.Unlock()
	return s.cbx
}

func (s *securedSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *securedSocket) deliverClose(err error) {
	if s.isClosed() {
		return
	}
	if cbx := s.callbacks(); cbx.OnClose != nil {
		cbx.OnClose(err)
	}
}

func timeoutFromContext(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d
}
