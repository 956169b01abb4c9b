package transport

import (
	"context"
	"crypto/tls"
	"net"

	"dnsrelay/sock"

	"github.com/miekg/dns"
)

// DoT is the DNS-over-TLS transport (RFC 7858): length-prefixed messages
// over a pooled TLS connection.
type DoT struct {
	env  Env
	pool *connPool
}

// NewDoT creates the transport. TLS sessions are cached across pooled
// connections so reconnects can resume.
func NewDoT(env Env) (*DoT, error) {
	tlsParams := sock.TLSParams{
		ServerName:      env.ServerName,
		CertificatePins: env.Pins,
		SessionCache:    tls.NewLRUClientSessionCache(8),
	}

	t := &DoT{env: env}
	t.pool = newConnPool(func(ctx context.Context) (net.Conn, error) {
		addr, err := env.ResolveAddr(ctx)
		if err != nil {
			return nil, err
		}
		return env.SocketFactory.DialTLSContext(ctx, env.tcpParams(), tlsParams, addr.String())
	})
	return t, nil
}

func (t *DoT) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	return t.pool.exchange(ctx, req)
}

func (t *DoT) Close() error {
	return t.pool.close()
}
