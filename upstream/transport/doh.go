package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"

	"dnsrelay/sock"
)

// DoH is the DNS-over-HTTPS transport (RFC 8484). Exchanges are POSTs of
// packed messages over a shared HTTP/2 client whose connections are dialed
// through the socket factory.
type DoH struct {
	env     Env
	url     string
	headers http.Header
	client  *http.Client
	h2      *http2.Transport
}

// NewDoH builds the endpoint URL and the static request headers.
// The HTTP client is created separately by InitClient.
func NewDoH(env Env) (*DoH, error) {
	endpoint := url.URL{
		Scheme: "https",
		Host:   env.ServerName,
		Path:   env.Path,
	}
	if env.Port != 443 {
		endpoint.Host = net.JoinHostPort(env.ServerName, strconv.Itoa(int(env.Port)))
	}
	if _, err := url.Parse(endpoint.String()); err != nil {
		return nil, err
	}

	return &DoH{
		env: env,
		url: endpoint.String(),
		headers: http.Header{
			"Content-Type": []string{"application/dns-message"},
			"Accept":       []string{"application/dns-message"},
		},
	}, nil
}

// InitClient prepares the pooled HTTP/2 transport.
func (t *DoH) InitClient() error {
	tlsConfig := sock.NewTLSConfig(sock.TLSParams{
		ServerName:      t.env.ServerName,
		CertificatePins: t.env.Pins,
		SessionCache:    tls.NewLRUClientSessionCache(8),
	})
	tlsConfig.NextProtos = []string{http2.NextProtoTLS}

	env := t.env
	t.h2 = &http2.Transport{
		TLSClientConfig: tlsConfig,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			peer, err := env.ResolveAddr(ctx)
			if err != nil {
				return nil, err
			}
			raw, err := env.SocketFactory.DialContext(ctx, env.tcpParams(), peer.String())
			if err != nil {
				return nil, err
			}
			conn := tls.Client(raw, tlsConfig)
			if err = conn.HandshakeContext(ctx); err != nil {
				_ = raw.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	t.client = &http.Client{Transport: t.h2, Timeout: t.env.Timeout}
	return nil
}

func (t *DoH) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	// The ID must not vary on the wire, for cache friendliness (RFC 8484
	// recommends 0); it is restored on the way back.
	id := req.Id
	req.Id = 0
	buf, err := req.Pack()
	req.Id = id
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header = t.headers.Clone()

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh server replied with status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err = resp.Unpack(body); err != nil {
		return nil, err
	}
	resp.Id = id
	return resp, nil
}

func (t *DoH) Close() error {
	if t.h2 != nil {
		t.h2.CloseIdleConnections()
	}
	return nil
}
