package sock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"dnsrelay/logger"
)

// OutboundProxySettings configures the proxy all TCP sockets are routed
// through unless a socket opts out.
type OutboundProxySettings struct {
	// Protocol is one of "socks5", "http_connect".
	Protocol string
	// Address is the proxy endpoint, "host:port".
	Address string
	// Optional credentials.
	Username string
	Password string
	// AllowDirectFallback permits retrying a failed proxy connection
	// directly instead of failing the exchange.
	AllowDirectFallback bool
}

// FactoryConfig configures a socket Factory.
type FactoryConfig struct {
	// OutboundProxy, when non-nil, routes TCP connections through a proxy.
	OutboundProxy *OutboundProxySettings
}

// Factory produces outbound sockets, deciding per socket whether the
// connection goes through the configured outbound proxy or directly.
type Factory struct {
	direct        *DirectProxy
	outbound      OutboundProxy
	allowFallback bool
}

var _ ProxyEventHandler = (*Factory)(nil)

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	f := &Factory{direct: NewDirectProxy()}

	if ps := cfg.OutboundProxy; ps != nil {
		if ps.Address == "" {
			return nil, errors.New("outbound proxy address is empty")
		}
		switch strings.ToLower(ps.Protocol) {
		case "socks5", "socks":
			f.outbound = NewSocks5Proxy(ps.Address, ps.Username, ps.Password)
		case "http_connect", "http":
			f.outbound = NewHTTPConnectProxy(ps.Address, ps.Username, ps.Password)
		default:
			return nil, fmt.Errorf("unsupported outbound proxy protocol: %q", ps.Protocol)
		}
		f.allowFallback = ps.AllowDirectFallback
	}

	return f, nil
}

// MakeSocketParams select how a socket routes its connection.
type MakeSocketParams struct {
	Proto             Protocol
	OutboundInterface string
	// IgnoreProxySettings bypasses the outbound proxy for this socket.
	IgnoreProxySettings bool
}

// MakeSocket returns an unconnected socket. When an outbound proxy is
// configured and not bypassed, TCP sockets go through it with the factory
// deciding the fallback verdict on proxy failures.
func (f *Factory) MakeSocket(params MakeSocketParams) Socket {
	if f.outbound != nil && !params.IgnoreProxySettings && params.Proto == ProtoTCP {
		return newProxiedSocket(params.Proto, params.OutboundInterface, f.outbound, f)
	}
	return newProxiedSocket(params.Proto, params.OutboundInterface, f.direct, nil)
}

// TLSParams carry the TLS client settings of a secured socket.
type TLSParams struct {
	ServerName string
	// CertificatePins, when non-empty, replace chain verification: the
	// peer must present a certificate whose SHA-256 digest (of either the
	// whole certificate or its public key info) matches one of the pins.
	CertificatePins [][]byte
	SessionCache    tls.ClientSessionCache
}

// MakeSecuredSocket returns an unconnected TLS socket routed the same way
// MakeSocket routes plain ones.
func (f *Factory) MakeSecuredSocket(params MakeSocketParams, tlsParams TLSParams) Socket {
	return &securedSocket{
		inner: f.MakeSocket(params),
		cfg:   NewTLSConfig(tlsParams),
	}
}

// DialContext connects a factory socket to the peer and returns it as a
// blocking net.Conn. peer must be an IP address literal with a port.
func (f *Factory) DialContext(ctx context.Context, params MakeSocketParams, peer string) (net.Conn, error) {
	ap, err := netip.ParseAddrPort(peer)
	if err != nil {
		return nil, fmt.Errorf("peer must be resolved before dialing: %w", err)
	}
	return DialSocket(ctx, f.MakeSocket(params), ap)
}

// DialTLSContext is DialContext over a secured socket.
func (f *Factory) DialTLSContext(ctx context.Context, params MakeSocketParams, tlsParams TLSParams, peer string) (net.Conn, error) {
	ap, err := netip.ParseAddrPort(peer)
	if err != nil {
		return nil, fmt.Errorf("peer must be resolved before dialing: %w", err)
	}
	return DialSocket(ctx, f.MakeSecuredSocket(params, tlsParams), ap)
}

// OnSuccessfulProxyConnection implements ProxyEventHandler.
func (f *Factory) OnSuccessfulProxyConnection() {
	logger.Debugf("[sock] outbound proxy reachable")
}

// OnProxyConnectionFailed implements ProxyEventHandler: failed proxy
// connections fall back to direct when the settings allow it.
func (f *Factory) OnProxyConnectionFailed(err error) Verdict {
	if !f.allowFallback {
		return CloseConnection()
	}
	logger.Warnf("[sock] outbound proxy failed, falling back to direct: %v", err)
	return FallbackTo(f.direct)
}

// NewTLSConfig builds a TLS client config from TLSParams.
func NewTLSConfig(p TLSParams) *tls.Config {
	cfg := &tls.Config{
		ServerName:         p.ServerName,
		ClientSessionCache: p.SessionCache,
		MinVersion:         tls.VersionTLS12,
	}
	if len(p.CertificatePins) == 0 {
		return cfg
	}

	pins := p.CertificatePins
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			certDigest := sha256.Sum256(raw)
			var spkiDigest [sha256.Size]byte
			if cert, err := x509.ParseCertificate(raw); err == nil {
				spkiDigest = sha256.Sum256(cert.RawSubjectPublicKeyInfo)
			}
			for _, pin := range pins {
				if bytes.Equal(pin, certDigest[:]) || bytes.Equal(pin, spkiDigest[:]) {
					return nil
				}
			}
		}
		return errors.New("peer certificate does not match any pin")
	}
	return cfg
}
