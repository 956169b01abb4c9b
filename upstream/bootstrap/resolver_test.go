package bootstrap

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolverValidation(t *testing.T) {
	valid := [][]string{
		{"8.8.8.8"},
		{"8.8.8.8:53", "1.1.1.1"},
		{"udp://9.9.9.9"},
		{"tcp://9.9.9.9:5353"},
		{"[2620:fe::fe]:53"},
	}
	for _, servers := range valid {
		_, err := NewResolver(servers, false)
		assert.NoError(t, err, "servers %v", servers)
	}

	invalid := [][]string{
		nil,
		{},
		{"dns.example"},
		{"8.8.8.8", "bootstrap.example:53"},
		{"https://8.8.8.8"},
	}
	for _, servers := range invalid {
		_, err := NewResolver(servers, false)
		assert.Error(t, err, "servers %v", servers)
	}
}

func TestResolveIPLiteral(t *testing.T) {
	r, err := NewResolver([]string{"127.0.0.1:1"}, false)
	require.NoError(t, err)

	// Literals never touch the servers, including bracketed IPv6.
	addr, err := r.Resolve(context.Background(), "94.140.14.14")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("94.140.14.14"), addr)

	addr, err = r.Resolve(context.Background(), "[2620:fe::fe]")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2620:fe::fe"), addr)
}

// startStubDNS serves a fixed A record for every query and counts hits.
func startStubDNS(t *testing.T, answer netip.Addr, hits *atomic.Int64) (addr string, shutdown func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			hits.Add(1)
			m := new(dns.Msg)
			m.SetReply(req)
			if req.Question[0].Qtype == dns.TypeA {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{
						Name:   req.Question[0].Name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
						Ttl:    300,
					},
					A: net.IP(answer.AsSlice()),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func TestResolveAndCache(t *testing.T) {
	var hits atomic.Int64
	want := netip.MustParseAddr("94.140.14.14")
	server, shutdown := startStubDNS(t, want, &hits)
	defer shutdown()

	r, err := NewResolver([]string{server}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, err := r.Resolve(ctx, "dns.example")
	require.NoError(t, err)
	assert.Equal(t, want, addr)
	assert.Equal(t, int64(1), hits.Load())

	// The second lookup is served from the cache even with the server
	// gone.
	shutdown()
	addr, err = r.Resolve(ctx, "dns.example")
	require.NoError(t, err)
	assert.Equal(t, want, addr)
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolveCancelled(t *testing.T) {
	r, err := NewResolver([]string{"127.0.0.1:1"}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Resolve(ctx, "dns.example")
	assert.Error(t, err)
}

func TestFirstAddrTTLClamp(t *testing.T) {
	reply := func(ttl uint32) *dns.Msg {
		m := new(dns.Msg)
		m.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: "dns.example.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.IPv4(1, 2, 3, 4),
		}}
		return m
	}

	res, ok := firstAddr(reply(1))
	require.True(t, ok)
	assert.Equal(t, minCacheTTL, res.ttl)

	res, ok = firstAddr(reply(3600 * 24))
	require.True(t, ok)
	assert.Equal(t, maxCacheTTL, res.ttl)

	res, ok = firstAddr(reply(60))
	require.True(t, ok)
	assert.Equal(t, time.Minute, res.ttl)
}
