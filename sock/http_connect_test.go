package sock

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startConnectProxy runs a minimal HTTP CONNECT proxy on loopback and
// counts the tunnels it establishes.
func startConnectProxy(t *testing.T, tunnels *atomic.Int64) (addr string, shutdown func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()

				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				target, err := net.DialTimeout("tcp", req.Host, 5*time.Second)
				if err != nil {
					_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer target.Close()
				_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
				tunnels.Add(1)

				go func() { _, _ = io.Copy(target, conn) }()
				_, _ = io.Copy(conn, target)
			}()
		}
	}()
	return l.Addr().String(), func() { _ = l.Close() }
}

func TestHTTPConnectProxyTunnel(t *testing.T) {
	echoAddr, stopEcho := startEcho(t)
	defer stopEcho()

	var tunnels atomic.Int64
	proxyAddr, stopProxy := startConnectProxy(t, &tunnels)
	defer stopProxy()

	f, err := NewFactory(FactoryConfig{OutboundProxy: &OutboundProxySettings{
		Protocol: "http_connect",
		Address:  proxyAddr,
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.DialContext(ctx, MakeSocketParams{Proto: ProtoTCP}, echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("through the tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
	assert.Equal(t, int64(1), tunnels.Load())
}

func TestProxyFallbackToDirect(t *testing.T) {
	echoAddr, stopEcho := startEcho(t)
	defer stopEcho()

	// Nothing listens on the proxy address, so every proxy connection
	// fails and the factory's verdict decides what happens next.
	f, err := NewFactory(FactoryConfig{OutboundProxy: &OutboundProxySettings{
		Protocol:            "http_connect",
		Address:             "127.0.0.1:1",
		AllowDirectFallback: true,
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.DialContext(ctx, MakeSocketParams{Proto: ProtoTCP}, echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("direct after all")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestProxyFailureWithoutFallback(t *testing.T) {
	echoAddr, stopEcho := startEcho(t)
	defer stopEcho()

	f, err := NewFactory(FactoryConfig{OutboundProxy: &OutboundProxySettings{
		Protocol: "http_connect",
		Address:  "127.0.0.1:1",
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = f.DialContext(ctx, MakeSocketParams{Proto: ProtoTCP}, echoAddr)
	assert.Error(t, err)
}
