package sock

import (
	"net/netip"
	"sync"
	"time"

	"dnsrelay/logger"
)

// ProxiedSocket routes a connection through an outbound proxy and, when the
// proxy connection fails, retries once through a fallback proxy chosen by
// the ProxyEventHandler (normally the direct pseudo-proxy). The fallback
// window exists only while the original connect attempt is outstanding: it
// opens on Connect, closes when the peer connection is established, and is
// consumed at most once.
type ProxiedSocket struct {
	proto             Protocol
	outboundInterface string
	handler           ProxyEventHandler

	// cbxMu guards the caller callbacks, which may be replaced while the
	// proxy layer is concurrently dispatching into them.
	cbxMu sync.Mutex
	cbx   Callbacks

	mu       sync.Mutex
	proxy    OutboundProxy
	id       ConnID
	hasID    bool
	fallback *fallbackInfo
	closed   bool
}

// fallbackInfo is the snapshot needed to retry the connect attempt through
// another proxy. proxy stays nil until a failure verdict chooses one.
type fallbackInfo struct {
	peer    netip.AddrPort
	start   time.Time
	timeout time.Duration
	proxy   OutboundProxy
}

var _ Socket = (*ProxiedSocket)(nil)

func newProxiedSocket(proto Protocol, iface string, p OutboundProxy, h ProxyEventHandler) *ProxiedSocket {
	return &ProxiedSocket{
		proto:             proto,
		outboundInterface: iface,
		handler:           h,
		proxy:             p,
	}
}

func (s *ProxiedSocket) Connect(params ConnectParams) error {
	logger.Debugf("[sock] connecting to %s", params.Peer)

	if err := s.SetCallbacks(params.Callbacks); err != nil {
		return err
	}

	s.mu.Lock()
	proxy := s.proxy
	// The window opens before the connect request so that a verdict
	// delivered concurrently with it always finds a place to land.
	s.fallback = &fallbackInfo{
		peer:    params.Peer,
		start:   time.Now(),
		timeout: params.Timeout,
	}
	s.mu.Unlock()

	id, err := proxy.Connect(ProxyConnectParams{
		Proto: s.proto,
		Peer:  params.Peer,
		Callbacks: ProxyCallbacks{
			OnSuccessfulProxyConnection: s.onSuccessfulProxyConnection,
			OnProxyConnectionFailed:     s.onProxyConnectionFailed,
			OnConnected:                 s.onConnected,
			OnRead:                      s.onRead,
			OnClose:                     s.onClose,
		},
		Timeout:           params.Timeout,
		OutboundInterface: s.outboundInterface,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// A synchronous rejection retains no fallback window.
		s.fallback = nil
		return err
	}
	s.id, s.hasID = id, true
	return nil
}

func (s *ProxiedSocket) Send(data []byte) error {
	proxy, id, ok := s.connection()
	if !ok {
		return errNotConnected
	}
	return proxy.Send(id, data)
}

// SetTimeout re-arms the deadline of the current connection. While a
// fallback window is open it also refreshes the remembered timeout, so a
// subsequent fallback attempt inherits the latest deadline.
func (s *ProxiedSocket) SetTimeout(d time.Duration) bool {
	s.mu.Lock()
	if s.fallback != nil {
		s.fallback.timeout = d
	}
	proxy, id, ok := s.proxy, s.id, s.hasID
	s.mu.Unlock()

	if !ok {
		return false
	}
	return proxy.SetTimeout(id, d)
}

func (s *ProxiedSocket) SetCallbacks(cbx Callbacks) error {
	s.cbxMu.Lock()
	defer s.cbxMu.Unlock()
	s.cbx = cbx
	return nil
}

func (s *ProxiedSocket) Fd() (uintptr, bool) {
	proxy, id, ok := s.connection()
	if !ok {
		return 0, false
	}
	return proxy.Fd(id)
}

// Close releases the proxy-side connection without invoking callbacks.
// A pending fallback window is discarded without triggering fallback.
func (s *ProxiedSocket) Close() {
	s.mu.Lock()
	s.closed = true
	s.fallback = nil
	proxy, id, ok := s.proxy, s.id, s.hasID
	s.hasID = false
	s.mu.Unlock()

	if ok {
		proxy.CloseConnection(id)
	}
}

func (s *ProxiedSocket) callbacks() Callbacks {
	s.cbxMu.Lock()
	defer s.cbxMu.Unlock()
	return s.cbx
}

func (s *ProxiedSocket) connection() (OutboundProxy, ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy, s.id, s.hasID
}

func (s *ProxiedSocket) onSuccessfulProxyConnection() {
	if s.handler != nil {
		s.handler.OnSuccessfulProxyConnection()
	}
}

// onProxyConnectionFailed records the handler's verdict. Nothing else
// happens here: the proxy still owns the attempt and will report the
// eventual close, which is where the fallback actually runs.
func (s *ProxiedSocket) onProxyConnectionFailed(err error) {
	verdict := CloseConnection()
	if s.handler != nil {
		verdict = s.handler.OnProxyConnectionFailed(err)
	}
	if verdict.fallback == nil {
		return
	}

	s.mu.Lock()
	if s.fallback != nil {
		s.fallback.proxy = verdict.fallback
	}
	s.mu.Unlock()
}

func (s *ProxiedSocket) onConnected() {
	s.mu.Lock()
	// A connection established through the current path is never retried.
	s.fallback = nil
	s.mu.Unlock()

	if cbx := s.callbacks(); cbx.OnConnected != nil {
		cbx.OnConnected()
	}
}

func (s *ProxiedSocket) onRead(data []byte) {
	if cbx := s.callbacks(); cbx.OnRead != nil {
		cbx.OnRead(data)
	}
}

func (s *ProxiedSocket) onClose(err error) {
	if err != nil {
		logger.Debugf("[sock] connection closed: %v", err)
	}

	s.mu.Lock()
	// Consume the window. Whatever happens next, no second fallback.
	info := s.fallback
	s.fallback = nil
	s.mu.Unlock()

	if info != nil && info.proxy != nil {
		logger.Debugf("[sock] falling back to another route for %s", info.peer)

		s.mu.Lock()
		oldProxy, oldID, hadID := s.proxy, s.id, s.hasID
		s.hasID = false
		s.proxy = info.proxy
		s.mu.Unlock()
		if hadID {
			oldProxy.CloseConnection(oldID)
		}

		timeout := info.timeout
		if timeout > 0 {
			timeout -= time.Since(info.start)
			if timeout < 0 {
				timeout = 0
			}
		}
		cerr := s.Connect(ConnectParams{
			Peer:      info.peer,
			Callbacks: s.callbacks(),
			Timeout:   timeout,
		})
		if cerr == nil {
			return
		}
		logger.Debugf("[sock] failed to fall back: %v", cerr)
	}

	if cbx := s.callbacks(); cbx.OnClose != nil {
		cbx.OnClose(err)
	}
}
