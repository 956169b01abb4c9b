package sock

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"dnsrelay/logger"
)

var _ OutboundProxy = (*Socks5Proxy)(nil)

// Socks5Proxy establishes peer connections through a SOCKS5 server.
// Only TCP peers are supported; UDP traffic is never routed here.
type Socks5Proxy struct {
	connRegistry
	addr string
	auth *proxy.Auth
}

func NewSocks5Proxy(addr, username, password string) *Socks5Proxy {
	p := &Socks5Proxy{addr: addr}
	if username != "" {
		p.auth = &proxy.Auth{User: username, Password: password}
	}
	return p
}

func (p *Socks5Proxy) Connect(params ProxyConnectParams) (ConnID, error) {
	if !params.Peer.IsValid() {
		return 0, errors.New("invalid peer address")
	}
	if params.Proto != ProtoTCP {
		return 0, fmt.Errorf("%s is not supported through a socks5 proxy", params.Proto)
	}

	pc := &proxyConn{cbx: params.Callbacks}
	id := p.add(pc)
	go p.run(id, pc, params)
	return id, nil
}

func (p *Socks5Proxy) run(id ConnID, pc *proxyConn, params ProxyConnectParams) {
	deadline := time.Time{}
	if params.Timeout > 0 {
		deadline = time.Now().Add(params.Timeout)
	}

	// Reaching the proxy itself is the first stage. A failure here, or
	// during the handshake below, is a proxy connection failure and may
	// be retried elsewhere by the socket that owns this attempt.
	proxyConn, err := dialVia(ProtoTCP, p.addr, params.Timeout, params.OutboundInterface)
	if err != nil {
		p.failConnect(id, pc, fmt.Errorf("connecting to socks5 proxy: %w", err))
		return
	}
	if cbx := pc.callbacks(); cbx.OnSuccessfulProxyConnection != nil {
		cbx.OnSuccessfulProxyConnection()
	}

	if !deadline.IsZero() {
		_ = proxyConn.SetDeadline(deadline)
	}
	sd, err := proxy.SOCKS5("tcp", p.addr, p.auth, singleConnDialer{conn: proxyConn})
	if err != nil {
		_ = proxyConn.Close()
		p.failConnect(id, pc, err)
		return
	}
	conn, err := sd.Dial("tcp", params.Peer.String())
	if err != nil {
		_ = proxyConn.Close()
		p.failConnect(id, pc, fmt.Errorf("socks5 handshake: %w", err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if !pc.adopt(conn) {
		return
	}
	logger.Debugf("[sock] connected to %s via socks5 proxy %s", params.Peer, p.addr)
	if cbx := pc.callbacks(); cbx.OnConnected != nil {
		cbx.OnConnected()
	}
	p.readLoop(id, pc, conn)
}

// failConnect reports a proxy connection failure followed by the close of
// the connection attempt, matching the callback ordering contract.
func (p *Socks5Proxy) failConnect(id ConnID, pc *proxyConn, err error) {
	p.remove(id)
	if pc.ownerClosed.Load() {
		return
	}
	cbx := pc.callbacks()
	if cbx.OnProxyConnectionFailed != nil {
		cbx.OnProxyConnectionFailed(err)
	}
	if cbx.OnClose != nil {
		cbx.OnClose(err)
	}
}

// singleConnDialer hands out an already-established connection to the
// SOCKS5 client, which only needs it for the handshake.
type singleConnDialer struct {
	conn net.Conn
}

func (d singleConnDialer) Dial(network, addr string) (net.Conn, error) {
	return d.conn, nil
}
