package upstream

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	stamps "github.com/jedisct1/go-dnsstamps"

	"dnsrelay/logger"
	"dnsrelay/upstream/transport"
)

// Factory creates upstreams from their address specifications.
type Factory struct {
	cfg FactoryConfig
}

func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{cfg: cfg}
}

// CreateUpstream parses opts.Address, constructs the matching transport
// variant and initializes it. The returned upstream is ready for Exchange.
func (f *Factory) CreateUpstream(opts Options) (Upstream, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	spec, err := parseAddress(opts.Address)
	if err != nil {
		return nil, err
	}
	if spec.resolvedIP.IsValid() && !opts.ResolvedServerIP.IsValid() {
		// A stamp may carry the resolved server address.
		opts.ResolvedServerIP = spec.resolvedIP
	}

	u := &baseUpstream{opts: opts, cfg: &f.cfg, spec: spec}
	if err = u.Init(); err != nil {
		return nil, joinErr(ErrInitFailed, err)
	}

	logger.Debugf("[upstream] created %s upstream %s", spec.protocol, spec.display)
	return u, nil
}

// addressSpec is the parsed form of an upstream address: the selected
// transport plus everything needed to construct it.
type addressSpec struct {
	protocol   string // udp, tcp, dot, doh, doq
	serverName string
	port       uint16
	path       string
	pins       [][]byte
	display    string
	resolvedIP netip.Addr

	newTransport func(env transport.Env) (transport.Transport, error)
}

const (
	portPlain = 53
	portDoT   = 853
	portDoQ   = 853
	portDoH   = 443
)

func parseAddress(address string) (*addressSpec, error) {
	if strings.HasPrefix(address, "sdns://") {
		return parseStamp(address)
	}

	if !strings.Contains(address, "://") {
		// Bare host, ip or host:port selects plain DNS.
		host, port, err := splitHostPort(address, portPlain)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return plainSpec(host, port, false), nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, joinErr(ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "udp":
		host, port, err := splitHostPort(u.Host, portPlain)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return plainSpec(host, port, false), nil
	case "tcp":
		host, port, err := splitHostPort(u.Host, portPlain)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return plainSpec(host, port, true), nil
	case "tls", "dot":
		host, port, err := splitHostPort(u.Host, portDoT)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return dotSpec(host, port, nil), nil
	case "quic", "doq":
		host, port, err := splitHostPort(u.Host, portDoQ)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return doqSpec(host, port, nil), nil
	case "https", "doh":
		host, port, err := splitHostPort(u.Host, portDoH)
		if err != nil {
			return nil, joinErr(ErrInvalidURL, err)
		}
		return dohSpec(host, port, u.Path, nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidURL, u.Scheme)
	}
}

// parseStamp decodes an sdns:// address into its embedded scheme, server
// address and certificate pins, then selects the transport.
func parseStamp(address string) (*addressSpec, error) {
	stamp, err := decodeStamp(address)
	if err != nil {
		return nil, joinErr(ErrInvalidStamp, err)
	}

	var spec *addressSpec
	switch stamp.Proto {
	case stamps.StampProtoTypePlain:
		host, port, err := splitHostPort(stamp.ServerAddrStr, portPlain)
		if err != nil {
			return nil, joinErr(ErrInvalidStamp, err)
		}
		spec = plainSpec(host, port, false)
	case stamps.StampProtoTypeTLS:
		spec = dotSpec(stamp.ProviderName, portDoT, stamp.Hashes)
	case stamps.StampProtoTypeDoQ:
		spec = doqSpec(stamp.ProviderName, portDoQ, stamp.Hashes)
	case stamps.StampProtoTypeDoH:
		path := stamp.Path
		if path == "" {
			path = "/dns-query"
		}
		spec = dohSpec(stamp.ProviderName, portDoH, path, stamp.Hashes)
	default:
		return nil, fmt.Errorf("%w: unsupported stamp protocol %q", ErrInvalidStamp, stamp.Proto.String())
	}

	// The stamp's server address pre-resolves the provider hostname.
	if stamp.ServerAddrStr != "" && stamp.Proto != stamps.StampProtoTypePlain {
		ap, err := splitAddrPort(stamp.ServerAddrStr, spec.port)
		if err != nil {
			return nil, joinErr(ErrInvalidStamp, err)
		}
		spec.resolvedIP = ap.Addr()
		if ap.Port() != 0 {
			spec.port = ap.Port()
		}
	}

	return spec, nil
}

// decodeStamp parses an sdns:// value. The stamp library has no decode path
// for the DoT (0x03) and DoQ (0x04) protocol bytes, so those two layouts are
// read here; every other protocol is delegated to it.
func decodeStamp(address string) (stamps.ServerStamp, error) {
	raw, ok := strings.CutPrefix(address, "sdns://")
	if !ok {
		return stamps.ServerStamp{}, errors.New("missing sdns:// scheme")
	}
	bin, err := base64.RawURLEncoding.Strict().DecodeString(raw)
	if err != nil {
		return stamps.ServerStamp{}, err
	}
	if len(bin) == 0 {
		return stamps.ServerStamp{}, errors.New("empty stamp")
	}

	proto := stamps.StampProtoType(bin[0])
	if proto == stamps.StampProtoTypeTLS || proto == stamps.StampProtoTypeDoQ {
		return decodeSecureStamp(bin)
	}
	return stamps.NewServerStampFromString(address)
}

// decodeSecureStamp reads the DoT/DoQ stamp layout:
// proto(1) props(8) lp(serverAddr) vlp(hashes...) lp(providerName).
func decodeSecureStamp(bin []byte) (stamps.ServerStamp, error) {
	stamp := stamps.ServerStamp{Proto: stamps.StampProtoType(bin[0])}
	if len(bin) < 9 {
		return stamp, errors.New("stamp is too short")
	}
	stamp.Props = stamps.ServerInformalProperties(binary.LittleEndian.Uint64(bin[1:9]))
	bin = bin[9:]

	next := func(length int) ([]byte, error) {
		if length > len(bin)-1 {
			return nil, errors.New("truncated stamp")
		}
		v := bin[1 : 1+length]
		bin = bin[1+length:]
		return v, nil
	}
	lp := func() ([]byte, error) {
		if len(bin) == 0 {
			return nil, errors.New("truncated stamp")
		}
		return next(int(bin[0]))
	}

	addr, err := lp()
	if err != nil {
		return stamp, err
	}
	stamp.ServerAddrStr = string(addr)

	// The hash set carries a continuation bit in the high bit of each
	// length byte.
	for {
		if len(bin) == 0 {
			return stamp, errors.New("truncated stamp")
		}
		vlen := int(bin[0])
		hash, err := next(vlen & ^0x80)
		if err != nil {
			return stamp, err
		}
		if len(hash) > 0 {
			stamp.Hashes = append(stamp.Hashes, hash)
		}
		if vlen&0x80 != 0x80 {
			break
		}
	}

	name, err := lp()
	if err != nil {
		return stamp, err
	}
	stamp.ProviderName = string(name)

	if len(bin) != 0 {
		return stamp, errors.New("trailing bytes after stamp")
	}
	return stamp, nil
}

func plainSpec(host string, port uint16, preferTCP bool) *addressSpec {
	protocol := "udp"
	prefix := ""
	if preferTCP {
		protocol = "tcp"
		prefix = "tcp://"
	}
	return &addressSpec{
		protocol:   protocol,
		serverName: host,
		port:       port,
		display:    prefix + net.JoinHostPort(host, strconv.Itoa(int(port))),
		newTransport: func(env transport.Env) (transport.Transport, error) {
			return transport.NewPlain(env, preferTCP)
		},
	}
}

func dotSpec(host string, port uint16, pins [][]byte) *addressSpec {
	return &addressSpec{
		protocol:   "dot",
		serverName: host,
		port:       port,
		pins:       pins,
		display:    "tls://" + net.JoinHostPort(host, strconv.Itoa(int(port))),
		newTransport: func(env transport.Env) (transport.Transport, error) {
			t, err := transport.NewDoT(env)
			if err != nil {
				return nil, joinErr(ErrTLSContextInitFailed, err)
			}
			return t, nil
		},
	}
}

func doqSpec(host string, port uint16, pins [][]byte) *addressSpec {
	return &addressSpec{
		protocol:   "doq",
		serverName: host,
		port:       port,
		pins:       pins,
		display:    "quic://" + net.JoinHostPort(host, strconv.Itoa(int(port))),
		newTransport: func(env transport.Env) (transport.Transport, error) {
			t, err := transport.NewDoQ(env)
			if err != nil {
				return nil, joinErr(ErrTLSContextInitFailed, err)
			}
			return t, nil
		},
	}
}

func dohSpec(host string, port uint16, path string, pins [][]byte) *addressSpec {
	if path == "" {
		path = "/dns-query"
	}
	display := "https://" + host + path
	if port != portDoH {
		display = "https://" + net.JoinHostPort(host, strconv.Itoa(int(port))) + path
	}
	return &addressSpec{
		protocol:   "doh",
		serverName: host,
		port:       port,
		path:       path,
		pins:       pins,
		display:    display,
		newTransport: func(env transport.Env) (transport.Transport, error) {
			t, err := transport.NewDoH(env)
			if err != nil {
				return nil, joinErr(ErrHTTPHeadersInitFailed, err)
			}
			if err = t.InitClient(); err != nil {
				return nil, joinErr(ErrHTTPPoolInitFailed, err)
			}
			return t, nil
		},
	}
}

// splitHostPort splits "host[:port]", tolerating a missing port and
// bracketed IPv6 literals.
func splitHostPort(hostport string, defaultPort uint16) (string, uint16, error) {
	if hostport == "" {
		return "", defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present: the whole value is the host.
		if addr, perr := netip.ParseAddr(strings.Trim(hostport, "[]")); perr == nil {
			return addr.String(), defaultPort, nil
		}
		if strings.Contains(hostport, ":") {
			return "", 0, fmt.Errorf("malformed address %q", hostport)
		}
		return hostport, defaultPort, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("malformed port in %q", hostport)
	}
	return strings.Trim(host, "[]"), uint16(port), nil
}

// splitAddrPort parses an "ip[:port]" string into an AddrPort, filling in
// defaultPort when none is present.
func splitAddrPort(s string, defaultPort uint16) (netip.AddrPort, error) {
	host, port, err := splitHostPort(s, defaultPort)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}
