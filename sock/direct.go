package sock

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"dnsrelay/internal/netutil"
	"dnsrelay/logger"
)

// DirectProxy is the pseudo-proxy establishing connections without any
// intermediary. It is both the default route for sockets when no outbound
// proxy is configured, and the usual fallback target when one fails.
type DirectProxy struct {
	connRegistry
}

var _ OutboundProxy = (*DirectProxy)(nil)

func NewDirectProxy() *DirectProxy {
	return &DirectProxy{}
}

func (p *DirectProxy) Connect(params ProxyConnectParams) (ConnID, error) {
	if !params.Peer.IsValid() {
		return 0, errors.New("invalid peer address")
	}

	pc := &proxyConn{cbx: params.Callbacks}
	id := p.add(pc)
	go p.run(id, pc, params)
	return id, nil
}

func (p *DirectProxy) run(id ConnID, pc *proxyConn, params ProxyConnectParams) {
	conn, err := dialVia(params.Proto, params.Peer.String(), params.Timeout, params.OutboundInterface)
	if err != nil {
		p.remove(id)
		if pc.ownerClosed.Load() {
			return
		}
		if cbx := pc.callbacks(); cbx.OnClose != nil {
			cbx.OnClose(err)
		}
		return
	}

	if !pc.adopt(conn) {
		return
	}
	if cbx := pc.callbacks(); cbx.OnConnected != nil {
		cbx.OnConnected()
	}
	p.readLoop(id, pc, conn)
}

// dialVia opens a plain connection to addr, optionally binding the source
// address to the requested outbound interface.
func dialVia(proto Protocol, addr string, timeout time.Duration, iface string) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	if iface != "" {
		peer, err := netutil.ParseAddrPort(addr, 0)
		if err != nil {
			return nil, err
		}
		src, err := netutil.InterfaceSourceAddr(iface, peer.Addr())
		if err != nil {
			return nil, err
		}
		d.LocalAddr = localAddr(proto, src)
		logger.Debugf("[sock] binding to %s via %s", src, iface)
	}
	return d.Dial(proto.network(), addr)
}

func localAddr(proto Protocol, src netip.Addr) net.Addr {
	if proto == ProtoUDP {
		return &net.UDPAddr{IP: src.AsSlice()}
	}
	return &net.TCPAddr{IP: src.AsSlice()}
}
