package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnsrelay/logger"
)

const (
	poolMaxIdle     = 4
	poolIdleTimeout = 2 * time.Minute
)

// connPool keeps a handful of established stream connections to one server
// for reuse across exchanges. A connection pulled from the pool may have
// been closed by the server meanwhile, so exchanges retry once on a fresh
// connection before giving up.
type connPool struct {
	dial func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex
	idle   []*idleConn
	closed bool
}

type idleConn struct {
	conn     *dns.Conn
	lastUsed time.Time
}

func newConnPool(dial func(ctx context.Context) (net.Conn, error)) *connPool {
	return &connPool{dial: dial}
}

// exchange performs one query/response round trip over a pooled
// connection.
func (p *connPool) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	conn, reused, err := p.get(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.roundTrip(ctx, conn, req)
	if err != nil && reused {
		// The idle connection was likely dropped by the server.
		_ = conn.Close()
		logger.Debugf("[pool] retrying on a fresh connection: %v", err)
		if conn, _, err = p.get(ctx); err != nil {
			return nil, err
		}
		resp, err = p.roundTrip(ctx, conn, req)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.put(conn)
	return resp, nil
}

func (p *connPool) roundTrip(ctx context.Context, conn *dns.Conn, req *dns.Msg) (*dns.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := conn.WriteMsg(req); err != nil {
		return nil, err
	}
	resp, err := conn.ReadMsg()
	if err != nil {
		return nil, err
	}
	// Responses arriving out of order belong to a concurrent exchange on
	// a previously pooled connection; treat them as a broken stream.
	if resp.Id != req.Id {
		return nil, dns.ErrId
	}
	return resp, nil
}

// get returns an idle connection when a fresh-enough one is available,
// otherwise dials a new one.
func (p *connPool) get(ctx context.Context) (conn *dns.Conn, reused bool, err error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if time.Since(last.lastUsed) < poolIdleTimeout {
			p.mu.Unlock()
			return last.conn, true, nil
		}
		_ = last.conn.Close()
	}
	p.mu.Unlock()

	raw, err := p.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	return &dns.Conn{Conn: raw}, false, nil
}

func (p *connPool) put(conn *dns.Conn) {
	_ = conn.SetDeadline(time.Time{})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= poolMaxIdle {
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, &idleConn{conn: conn, lastUsed: time.Now()})
}

func (p *connPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ic := range p.idle {
		_ = ic.conn.Close()
	}
	p.idle = nil
	return nil
}
