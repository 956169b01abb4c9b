package sock

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dnsrelay/logger"
)

// HTTPConnectProxy establishes peer connections by tunneling them through
// an HTTP proxy with the CONNECT method.
type HTTPConnectProxy struct {
	connRegistry
	addr               string
	username, password string
}

var _ OutboundProxy = (*HTTPConnectProxy)(nil)

func NewHTTPConnectProxy(addr, username, password string) *HTTPConnectProxy {
	return &HTTPConnectProxy{addr: addr, username: username, password: password}
}

func (p *HTTPConnectProxy) Connect(params ProxyConnectParams) (ConnID, error) {
	if !params.Peer.IsValid() {
		return 0, errors.New("invalid peer address")
	}
	if params.Proto != ProtoTCP {
		return 0, fmt.Errorf("%s is not supported through an http proxy", params.Proto)
	}

	pc := &proxyConn{cbx: params.Callbacks}
	id := p.add(pc)
	go p.run(id, pc, params)
	return id, nil
}

func (p *HTTPConnectProxy) run(id ConnID, pc *proxyConn, params ProxyConnectParams) {
	conn, err := dialVia(ProtoTCP, p.addr, params.Timeout, params.OutboundInterface)
	if err != nil {
		p.failConnect(id, pc, fmt.Errorf("connecting to http proxy: %w", err))
		return
	}
	if cbx := pc.callbacks(); cbx.OnSuccessfulProxyConnection != nil {
		cbx.OnSuccessfulProxyConnection()
	}

	if params.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(params.Timeout))
	}
	br, err := p.handshake(conn, params)
	if err != nil {
		_ = conn.Close()
		p.failConnect(id, pc, err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if !pc.adopt(conn) {
		return
	}
	logger.Debugf("[sock] connected to %s via http proxy %s", params.Peer, p.addr)
	if cbx := pc.callbacks(); cbx.OnConnected != nil {
		cbx.OnConnected()
	}

	// The response reader may have buffered peer data already.
	var src io.Reader = conn
	if br.Buffered() > 0 {
		src = io.MultiReader(io.LimitReader(br, int64(br.Buffered())), conn)
	}
	p.readLoop(id, pc, src)
}

func (p *HTTPConnectProxy) handshake(conn io.ReadWriter, params ProxyConnectParams) (*bufio.Reader, error) {
	peer := params.Peer.String()
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", peer, peer)
	if p.username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(p.username + ":" + p.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	br := bufio.NewReader(conn)
	// Parsed against a CONNECT request so a 200 is read as bodyless.
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy refused connect: %s", resp.Status)
	}
	return br, nil
}

func (p *HTTPConnectProxy) failConnect(id ConnID, pc *proxyConn, err error) {
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
