package dns64

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsrelay/upstream"
)

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{
			name:   "32bit",
			prefix: []byte{5, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name:   "40bit",
			prefix: []byte{5, 5, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 5, 1, 2, 3, 0, 4, 0, 0, 0, 0, 0, 0},
		},
		{
			name:   "48bit",
			prefix: []byte{5, 5, 5, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 5, 5, 1, 2, 0, 3, 4, 0, 0, 0, 0, 0},
		},
		{
			name:   "56bit",
			prefix: []byte{5, 5, 5, 5, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 5, 5, 5, 1, 0, 2, 3, 4, 0, 0, 0, 0},
		},
		{
			name:   "64bit",
			prefix: []byte{5, 5, 5, 5, 5, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 5, 5, 5, 5, 0, 1, 2, 3, 4, 0, 0, 0},
		},
		{
			name:   "96bit",
			prefix: []byte{5, 5, 5, 5, 5, 5, 5, 5, 0, 5, 5, 5},
			want:   []byte{5, 5, 5, 5, 5, 5, 5, 5, 0, 5, 5, 5, 1, 2, 3, 4},
		},
	}

	ipv4 := []byte{1, 2, 3, 4}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Synthesize(tc.prefix, ipv4)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSynthesizeInvalidPrefix(t *testing.T) {
	for _, n := range []int{0, 1, 3, 9, 10, 11, 13, 16} {
		_, err := Synthesize(make([]byte, n), []byte{1, 2, 3, 4})
		assert.ErrorIs(t, err, ErrInvalidPrefixLength, "prefix length %d", n)
	}
}

func TestSynthesizeInvalidIPv4(t *testing.T) {
	_, err := Synthesize(make([]byte, 12), []byte{1, 2, 3})
	assert.Error(t, err)
}

// stubUpstream feeds canned responses into the discovery path.
type stubUpstream struct {
	resp *dns.Msg
	err  error
}

func (s *stubUpstream) Init() error      { return nil }
func (s *stubUpstream) Address() string  { return "stub" }
func (s *stubUpstream) Protocol() string { return "udp" }
func (s *stubUpstream) RTT() time.Duration {
	return 0
}
func (s *stubUpstream) AdjustRTT(time.Duration)    {}
func (s *stubUpstream) Options() *upstream.Options { return &upstream.Options{} }
func (s *stubUpstream) Close() error               { return nil }
func (s *stubUpstream) Exchange(_ context.Context, req *dns.Msg) (*dns.Msg, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp := s.resp.Copy()
	resp.SetReply(req)
	resp.Answer = s.resp.Answer
	return resp, nil
}

func aaaaRecord(ip []byte) dns.RR {
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   WellKnownName,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		AAAA: net.IP(ip),
	}
}

func TestDiscoverPrefixes(t *testing.T) {
	// Two records mapping both well-known addresses through the same
	// 96-bit prefix, plus one through a different 32-bit prefix.
	prefix96 := []byte{0, 0x64, 0xff, 0x9b, 0, 0, 0, 0, 0, 0, 0, 0}
	prefix32 := []byte{0x20, 0x01, 0x0d, 0xb8}

	rec := func(prefix []byte, last byte) dns.RR {
		ip, err := Synthesize(prefix, []byte{192, 0, 0, last})
		require.NoError(t, err)
		return aaaaRecord(ip)
	}

	resp := new(dns.Msg)
	resp.Answer = []dns.RR{
		rec(prefix96, 170),
		rec(prefix96, 171),
		rec(prefix32, 170),
	}

	prefixes, err := DiscoverPrefixes(context.Background(), &stubUpstream{resp: resp})
	require.NoError(t, err)
	require.Len(t, prefixes, 2, "duplicate prefixes must collapse")
	assert.Equal(t, prefix96, prefixes[0])
	assert.Equal(t, prefix32, prefixes[1])
}

func TestDiscoverPrefixesEmpty(t *testing.T) {
	resp := new(dns.Msg)
	prefixes, err := DiscoverPrefixes(context.Background(), &stubUpstream{resp: resp})
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestDiscoverPrefixesIgnoresUnrelated(t *testing.T) {
	// An AAAA that does not embed a well-known address yields no prefix.
	resp := new(dns.Msg)
	resp.Answer = []dns.RR{
		aaaaRecord([]byte{0x20, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}),
	}

	prefixes, err := DiscoverPrefixes(context.Background(), &stubUpstream{resp: resp})
	require.NoError(t, err)
	assert.Empty(t, prefixes)
}

func TestSynthesizeResponse(t *testing.T) {
	prefix := []byte{0, 0x64, 0xff, 0x9b, 0, 0, 0, 0, 0, 0, 0, 0}

	resp := new(dns.Msg)
	resp.SetQuestion("example.org.", dns.TypeA)
	resp.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: "example.org.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(93, 184, 216, 34),
		},
		&dns.CNAME{
			Hdr:    dns.RR_Header{Name: "www.example.org.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
			Target: "example.org.",
		},
	}

	out, err := SynthesizeResponse(resp, prefix)
	require.NoError(t, err)

	// Original message untouched.
	assert.IsType(t, &dns.A{}, resp.Answer[0])

	aaaa, ok := out.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, dns.TypeAAAA, aaaa.Hdr.Rrtype)
	want, err := Synthesize(prefix, []byte{93, 184, 216, 34})
	require.NoError(t, err)
	assert.Equal(t, net.IP(want), aaaa.AAAA)

	// Non-address records pass through.
	assert.IsType(t, &dns.CNAME{}, out.Answer[1])
}

func TestSynthesizeResponseInvalidPrefix(t *testing.T) {
	resp := new(dns.Msg)
	_, err := SynthesizeResponse(resp, make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidPrefixLength)
}
