package transport

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"dnsrelay/logger"
)

// Plain exchanges messages over classic port-53 DNS. UDP is tried first
// and a truncated response transparently retries over TCP; with PreferTCP
// every query goes over TCP directly.
type Plain struct {
	env       Env
	preferTCP bool
	pool      *connPool
}

// NewPlain creates the plain transport. The TCP side dials through the
// socket factory, so it participates in outbound proxy routing.
func NewPlain(env Env, preferTCP bool) (*Plain, error) {
	t := &Plain{env: env, preferTCP: preferTCP}
	t.pool = newConnPool(func(ctx context.Context) (net.Conn, error) {
		addr, err := env.ResolveAddr(ctx)
		if err != nil {
			return nil, err
		}
		return env.SocketFactory.DialContext(ctx, env.tcpParams(), addr.String())
	})
	return t, nil
}

func (t *Plain) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if t.preferTCP {
		return t.pool.exchange(ctx, req)
	}

	resp, err := t.udpExchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		logger.Debugf("[plain] response for %s truncated, retrying over tcp", questionName(req))
		return t.pool.exchange(ctx, req)
	}
	return resp, nil
}

func (t *Plain) udpExchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	addr, err := t.env.ResolveAddr(ctx)
	if err != nil {
		return nil, err
	}

	// Clamp the advertised payload size to avoid fragmented answers.
	if opt := req.IsEdns0(); opt == nil {
		req.SetEdns0(udpSize, false)
	} else if opt.UDPSize() > udpSize {
		opt.SetUDPSize(udpSize)
	}

	client := &dns.Client{Net: "udp", Timeout: t.env.Timeout}
	resp, _, err := client.ExchangeContext(ctx, req, addr.String())
	return resp, err
}

func (t *Plain) Close() error {
	return t.pool.close()
}

func questionName(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return "<empty>"
	}
	return m.Question[0].Name
}
