package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnsrelay/config"
	"dnsrelay/dns64"
	"dnsrelay/logger"
	"dnsrelay/sock"
	"dnsrelay/upstream"
)

func main() {
	configPath := flag.String("c", "", "configuration file path")
	server := flag.String("s", "", "upstream server address (overrides the config)")
	name := flag.String("q", "", "name to query")
	qtypeStr := flag.String("t", "A", "query type (A, AAAA, ...)")
	bootstrapList := flag.String("b", "", "comma-separated bootstrap resolvers")
	discover64 := flag.Bool("dns64", false, "run DNS64 prefix discovery")
	verbose := flag.Bool("v", false, "verbose output")
	flag.Parse()

	if *verbose {
		logger.SetLevel("debug")
	}

	cfg, err := loadConfig(*configPath, *server, *bootstrapList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	if *verbose {
		logger.SetLevel("debug")
	}

	socketFactory, err := sock.NewFactory(sock.FactoryConfig{
		OutboundProxy: proxySettings(cfg.OutboundProxy),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	factory := upstream.NewFactory(upstream.FactoryConfig{
		SocketFactory: socketFactory,
		IPv6Available: cfg.IPv6Available,
	})

	if *name == "" && !*discover64 {
		fmt.Fprintln(os.Stderr, "nothing to do: use -q <name> and/or -dns64")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *name != "" {
		if err = runQuery(ctx, factory, cfg, *name, *qtypeStr); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	if *discover64 {
		if err = runDiscovery(ctx, factory, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path, server, bootstrapList string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{
			TimeoutMs:     config.DefaultTimeoutMs,
			IPv6Available: true,
			LogLevel:      "info",
		}
	}

	if bootstrapList != "" {
		cfg.Bootstrap = strings.Split(bootstrapList, ",")
	}
	if server != "" {
		cfg.Upstreams = []config.UpstreamConfig{{
			Address:   server,
			Bootstrap: cfg.Bootstrap,
			TimeoutMs: cfg.TimeoutMs,
		}}
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("no upstream configured: use -s or a config file")
	}
	return cfg, nil
}

func proxySettings(p *config.OutboundProxyConfig) *sock.OutboundProxySettings {
	if p == nil {
		return nil
	}
	return &sock.OutboundProxySettings{
		Protocol:            p.Protocol,
		Address:             net.JoinHostPort(p.Address, strconv.Itoa(p.Port)),
		Username:            p.Username,
		Password:            p.Password,
		AllowDirectFallback: p.AllowDirectFallback,
	}
}

func runQuery(ctx context.Context, factory *upstream.Factory, cfg *config.Config, name, qtypeStr string) error {
	qtype, ok := dns.StringToType[strings.ToUpper(qtypeStr)]
	if !ok {
		return fmt.Errorf("unknown query type %q", qtypeStr)
	}

	uc := cfg.Upstreams[0]
	u, err := createUpstream(factory, uc)
	if err != nil {
		return err
	}
	defer u.Close()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	resp, err := u.Exchange(ctx, req)
	if err != nil {
		return fmt.Errorf("exchange with %s: %w", u.Address(), err)
	}

	fmt.Printf(";; %s via %s (%s), rtt %s\n", dns.RcodeToString[resp.Rcode], u.Address(), u.Protocol(), u.RTT())
	for _, rr := range resp.Answer {
		fmt.Println(rr.String())
	}
	return nil
}

func runDiscovery(ctx context.Context, factory *upstream.Factory, cfg *config.Config) error {
	addr := cfg.DNS64.Upstream
	if addr == "" {
		addr = config.DefaultDNS64Upstream
	}
	u, err := createUpstream(factory, config.UpstreamConfig{
		Address:   addr,
		TimeoutMs: cfg.TimeoutMs,
	})
	if err != nil {
		return err
	}
	defer u.Close()

	prefixes, err := dns64.DiscoverPrefixes(ctx, u)
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		fmt.Println(";; no NAT64 prefixes found, DNS64 not in effect")
		return nil
	}
	for _, p := range prefixes {
		padded := make([]byte, 16)
		copy(padded, p)
		fmt.Printf(";; NAT64 prefix: %s/%d\n", netip.AddrFrom16([16]byte(padded)), len(p)*8)
	}
	return nil
}

func createUpstream(factory *upstream.Factory, uc config.UpstreamConfig) (upstream.Upstream, error) {
	opts := upstream.Options{
		Address:             uc.Address,
		Bootstrap:           uc.Bootstrap,
		Timeout:             uc.Timeout(),
		ID:                  uc.ID,
		OutboundInterface:   uc.OutboundInterface,
		IgnoreProxySettings: uc.IgnoreProxySettings,
	}
	if uc.ResolvedIP != "" {
		opts.ResolvedServerIP = netip.MustParseAddr(uc.ResolvedIP)
	}
	return factory.CreateUpstream(opts)
}
