// Package sock provides the outbound socket layer of the proxy: an
// asynchronous callback-driven socket abstraction, outbound proxy
// implementations (direct, SOCKS5, HTTP CONNECT) and a decorator that
// falls back from a failed proxy connection to a direct one.
package sock

import (
	"net/netip"
	"time"
)

// Protocol selects the transport protocol of an outbound connection.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

func (p Protocol) network() string {
	if p == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

func (p Protocol) String() string {
	return p.network()
}

// ConnID identifies a connection within an OutboundProxy.
type ConnID uint64

// Callbacks are the caller-level socket callbacks, registered per connect.
// Any of the fields may be nil.
type Callbacks struct {
	// OnConnected is called once the peer-level connection is established.
	OnConnected func()
	// OnRead is called for every chunk of data received from the peer.
	// The slice is only valid for the duration of the call.
	OnRead func(data []byte)
	// OnClose is called exactly once when the connection is torn down.
	// A nil error means a graceful shutdown.
	OnClose func(err error)
}

// Verdict is the outcome of a proxy connection failure: either give up on
// the connection, or retry through another proxy (usually the direct one).
type Verdict struct {
	fallback OutboundProxy
}

// CloseConnection makes the failure final, no fallback is attempted.
func CloseConnection() Verdict {
	return Verdict{}
}

// FallbackTo requests a retry of the connection through p.
func FallbackTo(p OutboundProxy) Verdict {
	return Verdict{fallback: p}
}

// ProxyEventHandler receives proxy-level connection events. It is supplied
// at socket construction time, separately from the per-connect Callbacks,
// and decides whether a failed proxy connection falls back.
type ProxyEventHandler interface {
	OnSuccessfulProxyConnection()
	OnProxyConnectionFailed(err error) Verdict
}

// ProxyCallbacks is the callback set an OutboundProxy reports through.
type ProxyCallbacks struct {
	OnSuccessfulProxyConnection func()
	OnProxyConnectionFailed     func(err error)
	OnConnected                 func()
	OnRead                      func(data []byte)
	OnClose                     func(err error)
}

// ConnectParams are the arguments of Socket.Connect.
type ConnectParams struct {
	Peer      netip.AddrPort
	Callbacks Callbacks
	// Timeout bounds the connect attempt and subsequent operations.
	// Zero means no explicit deadline.
	Timeout time.Duration
}

// Socket is an asynchronous outbound connection. Connect returns
// immediately; progress is reported through the registered Callbacks.
type Socket interface {
	Connect(params ConnectParams) error
	Send(data []byte) error
	// SetTimeout re-arms the operation deadline. It reports whether the
	// timeout was applied to a live connection.
	SetTimeout(d time.Duration) bool
	SetCallbacks(cbx Callbacks) error
	// Fd returns the underlying descriptor when one is available.
	Fd() (uintptr, bool)
	// Close releases the connection without invoking any callbacks.
	Close()
}

// ProxyConnectParams are the arguments of OutboundProxy.Connect.
type ProxyConnectParams struct {
	Proto             Protocol
	Peer              netip.AddrPort
	Callbacks         ProxyCallbacks
	Timeout           time.Duration
	OutboundInterface string
}

// OutboundProxy establishes connections to peers on behalf of sockets.
// Implementations must deliver, per connection: at most one
// OnSuccessfulProxyConnection, then either OnConnected or
// OnProxyConnectionFailed, any number of OnRead after OnConnected, and
// exactly one OnClose, unless the connection is closed by its owner first.
type OutboundProxy interface {
	Connect(params ProxyConnectParams) (ConnID, error)
	Send(id ConnID, data []byte) error
	SetTimeout(id ConnID, d time.Duration) bool
	SetCallbacks(id ConnID, cbx ProxyCallbacks) error
	Fd(id ConnID) (uintptr, bool)
	// CloseConnection tears the connection down without callbacks.
	CloseConnection(id ConnID)
}
