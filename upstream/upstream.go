package upstream

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnsrelay/internal/netutil"
	"dnsrelay/sock"
	"dnsrelay/upstream/bootstrap"
	"dnsrelay/upstream/transport"
)

// Upstream is a single remote DNS server reachable over one of the
// supported transports. Concurrent Exchange calls on the same instance are
// permitted and independent; the RTT estimate is the only shared mutable
// state.
type Upstream interface {
	// Init validates the configuration and prepares transport state.
	// It must be called once before the first Exchange.
	Init() error

	// Exchange sends the request and returns the decoded response.
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)

	// Address returns the display address of the server.
	Address() string

	// Protocol returns the transport protocol tag (udp/tcp/dot/doh/doq).
	Protocol() string

	// RTT returns the current round-trip-time estimate.
	RTT() time.Duration

	// AdjustRTT folds an observed exchange duration into the estimate.
	AdjustRTT(elapsed time.Duration)

	// Options returns the configuration this upstream was created with.
	Options() *Options

	// Close releases transport resources. In-flight exchanges complete
	// or fail independently.
	Close() error
}

// FactoryConfig is shared by all upstreams produced by one Factory.
type FactoryConfig struct {
	// SocketFactory provides outbound sockets, including the routing
	// through an outbound proxy.
	SocketFactory *sock.Factory

	// IPv6Available tells the bootstrapper whether AAAA-resolved
	// addresses are usable on this network.
	IPv6Available bool
}

// baseUpstream carries the state common to all transport variants and
// implements the Upstream plumbing around a concrete transport.
type baseUpstream struct {
	opts Options
	cfg  *FactoryConfig
	spec *addressSpec

	xp   transport.Transport
	boot *bootstrap.Resolver

	rttMu sync.Mutex
	rtt   time.Duration
}

var _ Upstream = (*baseUpstream)(nil)

func (u *baseUpstream) Init() error {
	if u.spec.serverName == "" {
		return ErrEmptyServerName
	}

	if ifname := u.opts.OutboundInterface; ifname != "" && !netutil.InterfaceExists(ifname) {
		return fmt.Errorf("%w: %q", ErrInvalidInterface, ifname)
	}

	serverIP, hostIsIP := u.serverAddr()
	if !hostIsIP && len(u.opts.Bootstrap) == 0 {
		return ErrEmptyBootstrap
	}

	if !hostIsIP {
		boot, err := bootstrap.NewResolver(u.opts.Bootstrap, u.cfg.IPv6Available)
		if err != nil {
			return joinErr(ErrBootstrapperInitFailed, err)
		}
		u.boot = boot
	}

	if u.spec.port == 0 {
		return ErrInvalidAddress
	}

	env := transport.Env{
		ServerName:    u.spec.serverName,
		Port:          u.spec.port,
		Path:          u.spec.path,
		Pins:          u.spec.pins,
		Timeout:       u.opts.Timeout,
		SocketFactory: u.cfg.SocketFactory,
		SocketParams: sock.MakeSocketParams{
			OutboundInterface:   u.opts.OutboundInterface,
			IgnoreProxySettings: u.opts.IgnoreProxySettings,
		},
		ResolveAddr: u.resolveAddrFunc(serverIP, hostIsIP),
	}

	xp, err := u.spec.newTransport(env)
	if err != nil {
		return err
	}
	u.xp = xp
	return nil
}

func (u *baseUpstream) Exchange(ctx context.Context, req *dns.Msg) (resp *dns.Msg, err error) {
	start := time.Now()
	defer func() {
		u.AdjustRTT(time.Since(start))
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}

	return u.xp.Exchange(ctx, req)
}

func (u *baseUpstream) Address() string {
	return u.spec.display
}

func (u *baseUpstream) Protocol() string {
	return u.spec.protocol
}

func (u *baseUpstream) RTT() time.Duration {
	u.rttMu.Lock()
	defer u.rttMu.Unlock()
	return u.rtt
}

func (u *baseUpstream) AdjustRTT(elapsed time.Duration) {
	u.rttMu.Lock()
	defer u.rttMu.Unlock()
	u.rtt = (u.rtt + elapsed) / 2
}

func (u *baseUpstream) Options() *Options {
	return &u.opts
}

func (u *baseUpstream) Close() error {
	if u.xp == nil {
		return nil
	}
	return u.xp.Close()
}

// serverAddr returns the already-known server IP, either provided by the
// caller or embedded as a literal in the address.
func (u *baseUpstream) serverAddr() (addr netip.Addr, ok bool) {
	if u.opts.ResolvedServerIP.IsValid() {
		return u.opts.ResolvedServerIP, true
	}
	if ip, err := netip.ParseAddr(u.spec.serverName); err == nil {
		return ip, true
	}
	return netip.Addr{}, false
}

// resolveAddrFunc builds the address resolution step used by transports
// before dialing: a known IP short-circuits, a hostname goes through the
// bootstrapper.
func (u *baseUpstream) resolveAddrFunc(serverIP netip.Addr, hostIsIP bool) func(ctx context.Context) (netip.AddrPort, error) {
	if hostIsIP {
		ap := netip.AddrPortFrom(serverIP, u.spec.port)
		return func(context.Context) (netip.AddrPort, error) {
			return ap, nil
		}
	}
	host := u.spec.serverName
	port := u.spec.port
	return func(ctx context.Context) (netip.AddrPort, error) {
		addr, err := u.boot.Resolve(ctx, host)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(addr, port), nil
	}
}
