package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsrelay/sock"
)

// startDualStub serves udpHandler and tcpHandler on the same loopback
// port, the way a real resolver answers on both transports.
func startDualStub(t *testing.T, udpHandler, tcpHandler dns.HandlerFunc) (addr netip.AddrPort, shutdown func()) {
	t.Helper()

	var l net.Listener
	var pc net.PacketConn
	for i := 0; i < 10; i++ {
		var err error
		l, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		if pc, err = net.ListenPacket("udp", l.Addr().String()); err == nil {
			break
		}
		_ = l.Close()
		l = nil
	}
	require.NotNil(t, l, "no port available on both transports")

	tcpSrv := &dns.Server{Listener: l, Handler: tcpHandler}
	udpSrv := &dns.Server{PacketConn: pc, Handler: udpHandler}
	go func() { _ = tcpSrv.ActivateAndServe() }()
	go func() { _ = udpSrv.ActivateAndServe() }()

	return netip.MustParseAddrPort(l.Addr().String()), func() {
		_ = tcpSrv.Shutdown()
		_ = udpSrv.Shutdown()
	}
}

func testEnv(t *testing.T, addr netip.AddrPort) Env {
	t.Helper()
	sf, err := sock.NewFactory(sock.FactoryConfig{})
	require.NoError(t, err)
	return Env{
		ServerName:    addr.Addr().String(),
		Port:          addr.Port(),
		Timeout:       5 * time.Second,
		SocketFactory: sf,
		ResolveAddr: func(context.Context) (netip.AddrPort, error) {
			return addr, nil
		},
	}
}

func TestPlainUDP(t *testing.T) {
	var sawSize uint16
	udp := func(w dns.ResponseWriter, req *dns.Msg) {
		if opt := req.IsEdns0(); opt != nil {
			sawSize = opt.UDPSize()
		}
		_ = w.WriteMsg(answerA(req, net.IPv4(94, 140, 14, 14)))
	}
	addr, shutdown := startDualStub(t, udp, echoHandler)
	defer shutdown()

	p, err := NewPlain(testEnv(t, addr), false)
	require.NoError(t, err)
	defer p.Close()

	resp, err := p.Exchange(testCtx(t), testQuery())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, net.IPv4(94, 140, 14, 14).To4(), resp.Answer[0].(*dns.A).A.To4())
	assert.Equal(t, uint16(udpSize), sawSize, "advertised payload size is clamped")
}

func TestPlainTruncatedRetriesOverTCP(t *testing.T) {
	truncating := func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Truncated = true
		_ = w.WriteMsg(m)
	}
	addr, shutdown := startDualStub(t, truncating, echoHandler)
	defer shutdown()

	p, err := NewPlain(testEnv(t, addr), false)
	require.NoError(t, err)
	defer p.Close()

	resp, err := p.Exchange(testCtx(t), testQuery())
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	require.Len(t, resp.Answer, 1)
}

func TestPlainPreferTCP(t *testing.T) {
	udpCalled := false
	udp := func(w dns.ResponseWriter, req *dns.Msg) {
		udpCalled = true
		_ = w.WriteMsg(answerA(req, net.IPv4(1, 2, 3, 4)))
	}
	addr, shutdown := startDualStub(t, udp, echoHandler)
	defer shutdown()

	p, err := NewPlain(testEnv(t, addr), true)
	require.NoError(t, err)
	defer p.Close()

	resp, err := p.Exchange(testCtx(t), testQuery())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.False(t, udpCalled, "tcp-only upstreams never touch udp")
}
