package upstream

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// DefaultTimeout is used when Options.Timeout is left zero.
const DefaultTimeout = 5 * time.Second

// Options is the immutable per-upstream configuration.
type Options struct {
	// Address is the server specification, one of the following kinds:
	//     8.8.8.8:53 -- plain DNS
	//     tcp://8.8.8.8:53 -- plain DNS over TCP
	//     tls://1.1.1.1 -- DNS-over-TLS
	//     https://dns.adguard-dns.com/dns-query -- DNS-over-HTTPS
	//     quic://dns.adguard-dns.com:853 -- DNS-over-QUIC
	//     sdns://... -- DNS stamp
	Address string

	// Bootstrap lists the resolver URLs used to resolve a hostname inside
	// Address. The entries must contain resolved server addresses, not
	// hostnames. Required when Address contains a hostname and
	// ResolvedServerIP is not set.
	Bootstrap []string

	// Timeout bounds a whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration

	// ResolvedServerIP, when valid, is used instead of the bootstrap.
	ResolvedServerIP netip.Addr

	// ID is an opaque caller-provided tag.
	ID int

	// OutboundInterface optionally names the network interface to route
	// this upstream's traffic through.
	OutboundInterface string

	// IgnoreProxySettings bypasses the outbound proxy for this
	// upstream's connections.
	IgnoreProxySettings bool
}

// Creation errors returned by Factory.CreateUpstream.
var (
	// ErrInvalidURL: the address does not parse into any known transport.
	ErrInvalidURL = errors.New("invalid upstream url")
	// ErrInvalidStamp: an sdns:// address failed stamp decoding, or the
	// stamp carries an unsupported protocol.
	ErrInvalidStamp = errors.New("invalid dns stamp")
	// ErrInitFailed wraps the Init error of a freshly created upstream.
	ErrInitFailed = errors.New("error initializing upstream")
)

// Initialization errors returned by Upstream.Init.
var (
	ErrEmptyServerName        = errors.New("server name is empty")
	ErrEmptyBootstrap         = errors.New("bootstrap should not be empty when server address is not known")
	ErrBootstrapperInitFailed = errors.New("failed to create bootstrapper")
	ErrInvalidAddress         = errors.New("passed server address is not valid")
	ErrInvalidInterface       = errors.New("outbound interface is not present on this host")
	ErrTLSContextInitFailed   = errors.New("failed to initialize tls context")
	ErrHTTPHeadersInitFailed  = errors.New("failed to initialize http headers")
	ErrHTTPPoolInitFailed     = errors.New("failed to initialize http connection pool")
)

// joinErr attaches a cause to one of the sentinel errors above, keeping
// both matchable with errors.Is.
func joinErr(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}
