// Package bootstrap resolves the hostname embedded in an upstream address
// through a list of plain resolvers which must themselves be specified by
// IP address.
package bootstrap

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"dnsrelay/internal/netutil"
	"dnsrelay/logger"
)

const (
	defaultPort = 53
	// minCacheTTL keeps entries around even when the resolver hands out
	// very short TTLs, to avoid hammering the bootstrap on every dial.
	minCacheTTL = 10 * time.Second
	maxCacheTTL = 10 * time.Minute
)

// Resolver resolves hostnames through a fixed list of plain DNS servers.
// Results are cached according to their TTL.
type Resolver struct {
	servers       []netip.AddrPort
	ipv6Available bool
	cache         sync.Map // host -> *cacheEntry
}

type cacheEntry struct {
	addr      netip.Addr
	expiresAt time.Time
}

// NewResolver validates the server list. Every entry must be an IP
// address, optionally with a scheme prefix and a port; hostnames are
// rejected since there is nothing to resolve them with.
func NewResolver(servers []string, ipv6Available bool) (*Resolver, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no bootstrap servers")
	}

	r := &Resolver{ipv6Available: ipv6Available}
	for _, s := range servers {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "udp://"), "tcp://")
		ap, err := netutil.ParseAddrPort(trimmed, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("bootstrap server %q must be a resolved address: %w", s, err)
		}
		r.servers = append(r.servers, ap)
	}
	return r, nil
}

// Resolve returns an address for host, racing all configured servers and
// taking the first answer.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr, nil
	}

	if val, ok := r.cache.Load(host); ok {
		entry := val.(*cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.addr, nil
		}
		r.cache.Delete(host)
	}

	addr, ttl, err := r.race(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}

	r.cache.Store(host, &cacheEntry{addr: addr, expiresAt: time.Now().Add(ttl)})
	logger.Debugf("[bootstrap] %s -> %s (ttl %s)", host, addr, ttl)
	return addr, nil
}

type raceResult struct {
	addr netip.Addr
	ttl  time.Duration
}

// race queries every server concurrently and returns the first successful
// answer, cancelling the rest.
func (r *Resolver) race(ctx context.Context, host string) (netip.Addr, time.Duration, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(r.servers))
	var g errgroup.Group
	for _, server := range r.servers {
		server := server
		g.Go(func() error {
			res, err := r.queryOne(raceCtx, server, host)
			if err != nil {
				return err
			}
			results <- res
			cancel()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case res := <-results:
		return res.addr, res.ttl, nil
	case err := <-done:
		// All goroutines finished; a late success may still be queued.
		select {
		case res := <-results:
			return res.addr, res.ttl, nil
		default:
		}
		if err == nil {
			err = fmt.Errorf("no answer for %q", host)
		}
		return netip.Addr{}, 0, err
	case <-ctx.Done():
		return netip.Addr{}, 0, ctx.Err()
	}
}

func (r *Resolver) queryOne(ctx context.Context, server netip.AddrPort, host string) (raceResult, error) {
	qtypes := []uint16{dns.TypeA}
	if r.ipv6Available {
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	client := &dns.Client{Net: "udp"}
	var lastErr error
	for _, qtype := range qtypes {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		reply, _, err := client.ExchangeContext(ctx, m, server.String())
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("bootstrap query for %q failed with rcode %d", host, reply.Rcode)
			continue
		}
		if res, ok := firstAddr(reply); ok {
			return res, nil
		}
		lastErr = fmt.Errorf("no address records for %q", host)
	}
	return raceResult{}, lastErr
}

// firstAddr picks the first A/AAAA record of the answer and clamps its TTL
// into the cache bounds.
func firstAddr(reply *dns.Msg) (raceResult, bool) {
	for _, rr := range reply.Answer {
		var addr netip.Addr
		var ok bool
		var ttl uint32
		switch v := rr.(type) {
		case *dns.A:
			addr, ok = netip.AddrFromSlice(v.A.To4())
			ttl = v.Hdr.Ttl
		case *dns.AAAA:
			addr, ok = netip.AddrFromSlice(v.AAAA)
			ttl = v.Hdr.Ttl
		}
		if !ok {
			continue
		}

		d := time.Duration(ttl) * time.Second
		if d < minCacheTTL {
			d = minCacheTTL
		} else if d > maxCacheTTL {
			d = maxCacheTTL
		}
		return raceResult{addr: addr, ttl: d}, true
	}
	return raceResult{}, false
}
