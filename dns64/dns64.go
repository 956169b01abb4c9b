// Package dns64 implements NAT64 prefix discovery (RFC 7050) and the
// synthesis of IPv4-embedded IPv6 addresses (RFC 6052) for IPv6-only
// networks.
package dns64

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"dnsrelay/logger"
	"dnsrelay/upstream"
)

// WellKnownName is the discovery query name defined by RFC 7050.
const WellKnownName = "ipv4only.arpa."

// wellKnownAddrs are the IPv4 addresses ipv4only.arpa resolves to; finding
// one embedded in an AAAA answer reveals the NAT64 prefix in front of it.
var wellKnownAddrs = [][]byte{
	{192, 0, 0, 170},
	{192, 0, 0, 171},
}

// validPrefixLengths are the network-prefix lengths RFC 6052 permits, in
// bytes (32/40/48/56/64/96 bits). Longest first, so discovery prefers the
// most specific embedding.
var validPrefixLengths = []int{12, 8, 7, 6, 5, 4}

// ErrInvalidPrefixLength is returned by Synthesize for prefixes whose
// length is not one of the RFC 6052 variants.
var ErrInvalidPrefixLength = errors.New("invalid nat64 prefix length")

// DiscoverPrefixes queries the well-known discovery name through u and
// returns the deduplicated set of NAT64 prefixes found in the answer.
// An empty result means DNS64 is not in effect on this network; it is not
// an error. Transport failures propagate.
func DiscoverPrefixes(ctx context.Context, u upstream.Upstream) ([][]byte, error) {
	req := new(dns.Msg)
	req.SetQuestion(WellKnownName, dns.TypeAAAA)
	req.RecursionDesired = true

	resp, err := u.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dns64 discovery query: %w", err)
	}

	var prefixes [][]byte
	seen := make(map[string]struct{})
	for _, rr := range resp.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		ip := aaaa.AAAA.To16()
		if ip == nil {
			continue
		}

		prefix, ok := extractPrefix(ip)
		if !ok {
			continue
		}
		if _, dup := seen[string(prefix)]; dup {
			continue
		}
		seen[string(prefix)] = struct{}{}
		prefixes = append(prefixes, prefix)
	}

	logger.Debugf("[dns64] discovered %d prefix(es) via %s", len(prefixes), u.Address())
	return prefixes, nil
}

// extractPrefix locates a well-known IPv4 address inside the synthesized
// AAAA record and returns the network prefix in front of it.
func extractPrefix(ip []byte) ([]byte, bool) {
	for _, plen := range validPrefixLengths {
		ipv4, ok := extractIPv4(ip, plen)
		if !ok {
			continue
		}
		for _, wka := range wellKnownAddrs {
			if bytes.Equal(ipv4, wka) {
				prefix := make([]byte, plen)
				copy(prefix, ip[:plen])
				return prefix, true
			}
		}
	}
	return nil, false
}

// extractIPv4 reads the embedded IPv4 address back out of a synthesized
// IPv6 one, skipping the reserved u octet at byte 8 for short prefixes.
func extractIPv4(ip []byte, plen int) ([]byte, bool) {
	if plen < 12 && ip[8] != 0 {
		// The u octet must be zero in a valid embedding.
		return nil, false
	}
	ipv4 := make([]byte, 0, 4)
	for pos := plen; len(ipv4) < 4 && pos < len(ip); pos++ {
		if pos == 8 && plen < 12 {
			continue
		}
		ipv4 = append(ipv4, ip[pos])
	}
	if len(ipv4) < 4 {
		return nil, false
	}
	return ipv4, true
}

// Synthesize builds an IPv4-embedded IPv6 address from a NAT64 prefix and
// an IPv4 address, per RFC 6052. The prefix length must be one of
// {4, 5, 6, 7, 8, 12} bytes. The IPv4 bytes occupy the positions right
// after the prefix, skipping the reserved zero octet at byte 8 for
// prefixes shorter than 96 bits; all remaining bytes are zero.
func Synthesize(prefix, ipv4 []byte) ([]byte, error) {
	if !validPrefixLength(len(prefix)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPrefixLength, len(prefix))
	}
	if len(ipv4) != 4 {
		return nil, fmt.Errorf("invalid ipv4 address length: %d bytes", len(ipv4))
	}

	out := make([]byte, 16)
	copy(out, prefix)
	pos := len(prefix)
	for _, b := range ipv4 {
		if pos == 8 && len(prefix) < 12 {
			pos++
		}
		out[pos] = b
		pos++
	}
	return out, nil
}

func validPrefixLength(n int) bool {
	for _, v := range validPrefixLengths {
		if n == v {
			return true
		}
	}
	return false
}

// SynthesizeResponse rewrites the A answers of resp into AAAA records
// synthesized with the given prefix, for serving on an IPv6-only network.
// Non-address records pass through untouched.
func SynthesizeResponse(resp *dns.Msg, prefix []byte) (*dns.Msg, error) {
	if !validPrefixLength(len(prefix)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPrefixLength, len(prefix))
	}

	out := resp.Copy()
	for i, rr := range out.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ipv4 := a.A.To4()
		if ipv4 == nil {
			continue
		}

		mapped, err := Synthesize(prefix, ipv4)
		if err != nil {
			return nil, err
		}
		hdr := a.Hdr
		hdr.Rrtype = dns.TypeAAAA
		out.Answer[i] = &dns.AAAA{Hdr: hdr, AAAA: mapped}
	}
	return out, nil
}
