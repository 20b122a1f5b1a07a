package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testCA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"GridFarm Test"}, CommonName: "GridFarm Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// issue signs a leaf certificate for the given usage and returns PEM pairs.
func (ca *testCA) issue(t *testing.T, cn string, ips []net.IP, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// newTLSServer starts an HTTPS server whose certificate chains to ca,
// optionally demanding a client certificate from the same CA.
func newTLSServer(t *testing.T, ca *testCA, requireClientCert bool) *httptest.Server {
	t.Helper()
	certPEM, keyPEM := ca.issue(t, "farm.test",
		[]net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, x509.ExtKeyUsageServerAuth)
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	if requireClientCert {
		pool := x509.NewCertPool()
		pool.AddCert(ca.cert)
		srv.TLS.ClientCAs = pool
		srv.TLS.ClientAuth = tls.RequireAndVerifyClientCert
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, tlsCfg *tls.Config) (*http.Response, error) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	return client.Get(url)
}

func TestBuild_PrivateCABundle(t *testing.T) {
	ca := newTestCA(t)
	srv := newTLSServer(t, ca, false)
	bundle := writeFile(t, t.TempDir(), "ca.pem", ca.certPEM)

	tlsCfg, err := Build(ClientConfig{CABundlePath: bundle, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	resp, err := get(t, srv.URL, tlsCfg)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuild_UnknownAuthorityWithoutBundle(t *testing.T) {
	ca := newTestCA(t)
	srv := newTLSServer(t, ca, false)

	tlsCfg, err := Build(ClientConfig{})
	require.NoError(t, err)

	resp, err := get(t, srv.URL, tlsCfg)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err, "a private CA must not verify against system roots")
}

func TestBuild_MutualTLS(t *testing.T) {
	ca := newTestCA(t)
	srv := newTLSServer(t, ca, true)

	dir := t.TempDir()
	bundle := writeFile(t, dir, "ca.pem", ca.certPEM)
	certPEM, keyPEM := ca.issue(t, "worker-agent", nil, x509.ExtKeyUsageClientAuth)
	certPath := writeFile(t, dir, "client.pem", certPEM)
	keyPath := writeFile(t, dir, "client.key", keyPEM)

	tlsCfg, err := Build(ClientConfig{
		CABundlePath:    bundle,
		CertificatePath: certPath,
		PrivateKeyPath:  keyPath,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	resp, err := get(t, srv.URL, tlsCfg)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	noCert, err := Build(ClientConfig{CABundlePath: bundle})
	require.NoError(t, err)
	resp, err = get(t, srv.URL, noCert)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err, "the gateway must reject connections without a client certificate")
}

func TestBuild_BundleWithMultipleCertificates(t *testing.T) {
	first := newTestCA(t)
	second := newTestCA(t)
	srv := newTLSServer(t, second, false)

	bundle := writeFile(t, t.TempDir(), "bundle.pem", append(first.certPEM, second.certPEM...))
	tlsCfg, err := Build(ClientConfig{CABundlePath: bundle})
	require.NoError(t, err)

	resp, err := get(t, srv.URL, tlsCfg)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuild_Errors(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)
	certPEM, keyPEM := ca.issue(t, "worker-agent", nil, x509.ExtKeyUsageClientAuth)

	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{
			name: "certificate without key",
			cfg:  ClientConfig{CertificatePath: writeFile(t, dir, "lone.pem", certPEM)},
		},
		{
			name: "key without certificate",
			cfg:  ClientConfig{PrivateKeyPath: writeFile(t, dir, "lone.key", keyPEM)},
		},
		{
			name: "missing bundle file",
			cfg:  ClientConfig{CABundlePath: filepath.Join(dir, "absent.pem")},
		},
		{
			name: "bundle without certificates",
			cfg:  ClientConfig{CABundlePath: writeFile(t, dir, "empty.pem", []byte("not pem at all"))},
		},
		{
			name: "mismatched key pair",
			cfg: ClientConfig{
				CertificatePath: writeFile(t, dir, "client.pem", certPEM),
				PrivateKeyPath: func() string {
					_, otherKey := ca.issue(t, "other", nil, x509.ExtKeyUsageClientAuth)
					return writeFile(t, dir, "other.key", otherKey)
				}(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBuild_ServerName(t *testing.T) {
	tlsCfg, err := Build(ClientConfig{ServerName: "farm.internal"})
	require.NoError(t, err)
	assert.Equal(t, "farm.internal", tlsCfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestClientConfig_Empty(t *testing.T) {
	assert.True(t, (&ClientConfig{}).Empty())
	assert.False(t, (&ClientConfig{CABundlePath: "ca.pem"}).Empty())
	assert.False(t, (&ClientConfig{ServerName: "farm.internal"}).Empty())
}
