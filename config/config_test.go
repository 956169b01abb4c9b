package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFull(t *testing.T) {
	data := []byte(`
upstreams:
  - address: tls://dns.adguard.com
    id: 42
  - address: 8.8.8.8
    timeout_ms: 1000
    outbound_interface: eth0
    ignore_proxy_settings: true
bootstrap:
  - 9.9.9.9
timeout_ms: 3000
ipv6_available: false
outbound_proxy:
  protocol: socks5
  address: 127.0.0.1
  username: user
  password: secret
  allow_direct_fallback: true
dns64:
  enabled: true
log_level: debug
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, cfg.Upstreams, 2)
	first := cfg.Upstreams[0]
	assert.Equal(t, "tls://dns.adguard.com", first.Address)
	assert.Equal(t, 42, first.ID)
	assert.Equal(t, []string{"9.9.9.9"}, first.Bootstrap, "global bootstrap propagates")
	assert.Equal(t, 3*time.Second, first.Timeout(), "global timeout propagates")

	second := cfg.Upstreams[1]
	assert.Equal(t, time.Second, second.Timeout(), "per-upstream override wins")
	assert.Equal(t, "eth0", second.OutboundInterface)
	assert.True(t, second.IgnoreProxySettings)

	assert.False(t, cfg.IPv6Available)
	assert.Equal(t, "debug", cfg.LogLevel)

	require.NotNil(t, cfg.OutboundProxy)
	assert.Equal(t, "socks5", cfg.OutboundProxy.Protocol)
	assert.Equal(t, defaultProxyPortSocks, cfg.OutboundProxy.Port)
	assert.True(t, cfg.OutboundProxy.AllowDirectFallback)

	assert.True(t, cfg.DNS64.Enabled)
	assert.Equal(t, DefaultDNS64Upstream, cfg.DNS64.Upstream)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("upstreams:\n  - address: 8.8.8.8\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeoutMs, cfg.TimeoutMs)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.IPv6Available, "ipv6 is assumed available unless disabled")
	assert.Nil(t, cfg.OutboundProxy)
	assert.False(t, cfg.DNS64.Enabled)
	assert.Empty(t, cfg.DNS64.Upstream, "discovery upstream only defaults when enabled")
}

func TestParseHTTPProxyDefaultPort(t *testing.T) {
	cfg, err := Parse([]byte(`
upstreams:
  - address: 8.8.8.8
outbound_proxy:
  protocol: http_connect
  address: proxy.example
`))
	require.NoError(t, err)
	assert.Equal(t, defaultProxyPortHTTP, cfg.OutboundProxy.Port)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "upstreams: ["},
		{"no upstreams", "timeout_ms: 1000\n"},
		{"upstream without address", "upstreams:\n  - id: 1\n"},
		{"bad resolved ip", "upstreams:\n  - address: tls://dns.example\n    resolved_ip: nope\n"},
		{"bad proxy protocol", "upstreams:\n  - address: 8.8.8.8\noutbound_proxy:\n  protocol: socks4\n  address: 127.0.0.1\n"},
		{"proxy without address", "upstreams:\n  - address: 8.8.8.8\noutbound_proxy:\n  protocol: socks5\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstreams:\n  - address: 1.1.1.1\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", cfg.Upstreams[0].Address)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
