package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"dnsrelay/logger"
	"dnsrelay/sock"
)

// nextProtoDQ is the ALPN token of DNS-over-QUIC (RFC 9250).
const nextProtoDQ = "doq"

// doqCloseNoError is the application error code used on graceful close.
const doqCloseNoError = quic.ApplicationErrorCode(0)

// DoQ is the DNS-over-QUIC transport (RFC 9250): one bidirectional stream
// per query, 2-byte length prefix, message ID zero on the wire.
type DoQ struct {
	env       Env
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn quic.Connection
}

func NewDoQ(env Env) (*DoQ, error) {
	tlsConfig := sock.NewTLSConfig(sock.TLSParams{
		ServerName:      env.ServerName,
		CertificatePins: env.Pins,
		SessionCache:    tls.NewLRUClientSessionCache(8),
	})
	tlsConfig.NextProtos = []string{nextProtoDQ}

	return &DoQ{env: env, tlsConfig: tlsConfig}, nil
}

func (t *DoQ) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, err := t.exchangeQUIC(ctx, req)
	if err != nil {
		// The connection may have gone stale (NAT rebinding, server
		// restart). Reconnect and retry the query once.
		logger.Debugf("[doq] exchange failed, reconnecting: %v", err)
		t.resetConn()
		resp, err = t.exchangeQUIC(ctx, req)
	}
	return resp, err
}

func (t *DoQ) exchangeQUIC(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	// RFC 9250 requires ID 0 on the wire.
	id := req.Id
	req.Id = 0
	packed, err := req.Pack()
	req.Id = id
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf, uint16(len(packed)))
	copy(buf[2:], packed)

	if _, err = stream.Write(buf); err != nil {
		return nil, err
	}
	// The client MUST close the send side after a single query.
	_ = stream.Close()

	var length [2]byte
	if _, err = io.ReadFull(stream, length[:]); err != nil {
		return nil, err
	}
	respBuf := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err = io.ReadFull(stream, respBuf); err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err = resp.Unpack(respBuf); err != nil {
		return nil, err
	}
	if resp.Id != 0 {
		return nil, fmt.Errorf("doq response has non-zero id %d", resp.Id)
	}
	resp.Id = id
	return resp, nil
}

// getConn returns the live QUIC connection, dialing a new one when there
// is none or the old one is already closed.
func (t *DoQ) getConn(ctx context.Context) (quic.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.conn.Context().Err() == nil {
		return t.conn, nil
	}

	addr, err := t.env.ResolveAddr(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr.String(), t.tlsConfig, &quic.Config{})
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

func (t *DoQ) resetConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.CloseWithError(doqCloseNoError, "")
		t.conn = nil
	}
}

func (t *DoQ) Close() error {
	t.resetConn()
	return nil
}
