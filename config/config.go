// Package config loads and validates the YAML settings of the resolver.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level settings structure.
type Config struct {
	Upstreams     []UpstreamConfig     `yaml:"upstreams"`
	Bootstrap     []string             `yaml:"bootstrap,omitempty"`
	TimeoutMs     int                  `yaml:"timeout_ms,omitempty"`
	IPv6Available bool                 `yaml:"ipv6_available"`
	OutboundProxy *OutboundProxyConfig `yaml:"outbound_proxy,omitempty"`
	DNS64         DNS64Config          `yaml:"dns64,omitempty"`
	LogLevel      string               `yaml:"log_level,omitempty"`
}

// UpstreamConfig describes one upstream server.
type UpstreamConfig struct {
	// Address is the server specification: ip[:port], tcp://, tls://,
	// https://, quic:// or sdns://.
	Address string `yaml:"address"`
	// Bootstrap overrides the global bootstrap list for this upstream.
	Bootstrap []string `yaml:"bootstrap,omitempty"`
	// TimeoutMs overrides the global timeout for this upstream.
	TimeoutMs int `yaml:"timeout_ms,omitempty"`
	// ResolvedIP skips the bootstrapper for hostname addresses.
	ResolvedIP string `yaml:"resolved_ip,omitempty"`
	// ID is an opaque tag reported back by the resolver.
	ID int `yaml:"id,omitempty"`
	// OutboundInterface routes this upstream through a specific
	// network interface.
	OutboundInterface string `yaml:"outbound_interface,omitempty"`
	// IgnoreProxySettings bypasses the outbound proxy for this upstream.
	IgnoreProxySettings bool `yaml:"ignore_proxy_settings,omitempty"`
}

// OutboundProxyConfig configures the proxy upstream connections go
// through.
type OutboundProxyConfig struct {
	// Protocol is "socks5" or "http_connect".
	Protocol string `yaml:"protocol"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// AllowDirectFallback lets a failed proxy connection retry directly.
	AllowDirectFallback bool `yaml:"allow_direct_fallback"`
}

// DNS64Config toggles NAT64 prefix discovery and AAAA synthesis.
type DNS64Config struct {
	Enabled bool `yaml:"enabled"`
	// Upstream is the server used for prefix discovery. An IPv6-reachable
	// resolver of the current network is expected here.
	Upstream string `yaml:"upstream,omitempty"`
}

// Defaults applied by Load.
const (
	DefaultTimeoutMs      = 5000
	DefaultDNS64Upstream  = "[2001:4860:4860::6464]:53"
	defaultProxyPortSocks = 1080
	defaultProxyPortHTTP  = 3128
)

// Load reads the config file and applies defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{IPv6Available: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DNS64.Enabled && c.DNS64.Upstream == "" {
		c.DNS64.Upstream = DefaultDNS64Upstream
	}
	if p := c.OutboundProxy; p != nil && p.Port == 0 {
		if p.Protocol == "http_connect" {
			p.Port = defaultProxyPortHTTP
		} else {
			p.Port = defaultProxyPortSocks
		}
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].TimeoutMs <= 0 {
			c.Upstreams[i].TimeoutMs = c.TimeoutMs
		}
		if len(c.Upstreams[i].Bootstrap) == 0 {
			c.Upstreams[i].Bootstrap = c.Bootstrap
		}
	}
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}
	for i, u := range c.Upstreams {
		if u.Address == "" {
			return fmt.Errorf("upstream #%d has no address", i)
		}
		if u.ResolvedIP != "" {
			if _, err := netip.ParseAddr(u.ResolvedIP); err != nil {
				return fmt.Errorf("upstream #%d resolved_ip: %w", i, err)
			}
		}
	}
	if p := c.OutboundProxy; p != nil {
		switch p.Protocol {
		case "socks5", "http_connect":
		default:
			return fmt.Errorf("unknown outbound proxy protocol %q", p.Protocol)
		}
		if p.Address == "" {
			return fmt.Errorf("outbound proxy address is empty")
		}
	}
	return nil
}

// Timeout returns the upstream timeout as a duration.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}
