// Package transport implements the concrete exchange mechanics of the
// upstream protocols: plain UDP with TCP fallback, pipelined TCP,
// DNS-over-TLS, DNS-over-HTTPS and DNS-over-QUIC.
package transport

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"dnsrelay/sock"
)

// Transport is one concrete way of exchanging DNS messages with a server.
type Transport interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	Close() error
}

// Env is everything a transport needs from its upstream: the parsed server
// location, the socket factory and the routing parameters to pass to it,
// and the address resolution step (bootstrap or literal).
type Env struct {
	// ServerName is the hostname (or IP literal) of the server; used for
	// SNI on secure transports.
	ServerName string
	// Port of the server.
	Port uint16
	// Path of the DoH endpoint, when applicable.
	Path string
	// Pins are certificate pins extracted from a DNS stamp.
	Pins [][]byte

	// Timeout bounds a single exchange.
	Timeout time.Duration

	SocketFactory *sock.Factory
	SocketParams  sock.MakeSocketParams

	// ResolveAddr yields the server address to dial.
	ResolveAddr func(ctx context.Context) (netip.AddrPort, error)
}

// tcpParams returns the socket parameters for a TCP connection.
func (e *Env) tcpParams() sock.MakeSocketParams {
	p := e.SocketParams
	p.Proto = sock.ProtoTCP
	return p
}

// udpSize is the EDNS0 payload advertised on plain UDP. 1232 is the IPv6
// minimum MTU minus the IPv6 and UDP headers, which avoids fragmentation
// on dual-stack paths.
const udpSize = 1232
