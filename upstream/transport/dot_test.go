package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert returns a throwaway server certificate for 127.0.0.1 and
// the SHA-256 pin of its DER encoding.
func selfSignedCert(t *testing.T) (tls.Certificate, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dns.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"dns.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	pin := sha256.Sum256(der)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pin[:]
}

func startTLSDNS(t *testing.T, cert tls.Certificate) (addr netip.AddrPort, shutdown func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tlsL := tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}})
	srv := &dns.Server{Listener: tlsL, Handler: dns.HandlerFunc(echoHandler)}
	go func() { _ = srv.ActivateAndServe() }()
	return netip.MustParseAddrPort(l.Addr().String()), func() { _ = srv.Shutdown() }
}

func TestDoTExchangeWithPin(t *testing.T) {
	cert, pin := selfSignedCert(t)
	addr, shutdown := startTLSDNS(t, cert)
	defer shutdown()

	env := testEnv(t, addr)
	env.ServerName = "dns.test"
	env.Pins = [][]byte{pin}

	d, err := NewDoT(env)
	require.NoError(t, err)
	defer d.Close()

	resp, err := d.Exchange(testCtx(t), testQuery())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	// The pooled connection survives for the next exchange.
	resp, err = d.Exchange(testCtx(t), testQuery())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func TestDoTRejectsWrongPin(t *testing.T) {
	cert, _ := selfSignedCert(t)
	addr, shutdown := startTLSDNS(t, cert)
	defer shutdown()

	env := testEnv(t, addr)
	env.ServerName = "dns.test"
	env.Pins = [][]byte{make([]byte, sha256.Size)}

	d, err := NewDoT(env)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exchange(testCtx(t), testQuery())
	assert.Error(t, err)
}
