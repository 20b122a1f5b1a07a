// Generates a throwaway PKI for exercising the agent's TLS flags against a
// local farm gateway: a CA, a server certificate for the given hosts, and a
// client certificate pair.
//
// Usage:
//   go run ./tools --out-dir /tmp/gridfarm-pki --hosts localhost,127.0.0.1
//
//   worker-agent \
//     --ca-bundle /tmp/gridfarm-pki/ca.pem \
//     --client-cert /tmp/gridfarm-pki/client.pem \
//     --client-key /tmp/gridfarm-pki/client.key ...
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	outDir = flag.String("out-dir", "dev-certs", "Directory the PEM files are written to")
	hosts  = flag.String("hosts", "localhost,127.0.0.1", "Comma-separated DNS names and IPs for the server certificate")
	days   = flag.Int("days", 365, "Certificate validity in days")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := os.MkdirAll(*outDir, 0700); err != nil {
		panic(err)
	}

	validity := time.Duration(*days) * 24 * time.Hour

	caKey, caCert, caDER := generateCA(validity)
	writePEM(*outDir, "ca.pem", "CERTIFICATE", caDER, 0644)
	writePEM(*outDir, "ca.key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey), 0600)
	logger.Info("Wrote CA certificate", zap.String("subject", caCert.Subject.String()))

	var dnsNames []string
	var ips []net.IP
	for _, host := range strings.Split(*hosts, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}

	serverKey, serverDER := issue(caCert, caKey, "farm-gateway", dnsNames, ips,
		x509.ExtKeyUsageServerAuth, validity)
	writePEM(*outDir, "server.pem", "CERTIFICATE", serverDER, 0644)
	writePEM(*outDir, "server.key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(serverKey), 0600)
	logger.Info("Wrote server certificate",
		zap.Strings("dns_names", dnsNames),
		zap.String("ips", fmt.Sprint(ips)))

	clientKey, clientDER := issue(caCert, caKey, "worker-agent", nil, nil,
		x509.ExtKeyUsageClientAuth, validity)
	writePEM(*outDir, "client.pem", "CERTIFICATE", clientDER, 0644)
	writePEM(*outDir, "client.key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(clientKey), 0600)
	logger.Info("Wrote client certificate")

	fmt.Printf("\nAgent flags:\n")
	fmt.Printf("  --ca-bundle %s\n", filepath.Join(*outDir, "ca.pem"))
	fmt.Printf("  --client-cert %s\n", filepath.Join(*outDir, "client.pem"))
	fmt.Printf("  --client-key %s\n", filepath.Join(*outDir, "client.key"))
}

func generateCA(validity time.Duration) (*rsa.PrivateKey, *x509.Certificate, []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"GridFarm Dev"},
			CommonName:   "GridFarm Dev CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return key, cert, der
}

func issue(caCert *x509.Certificate, caKey *rsa.PrivateKey, cn string, dnsNames []string, ips []net.IP, usage x509.ExtKeyUsage, validity time.Duration) (*rsa.PrivateKey, []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	return key, der
}

func writePEM(dir, name, blockType string, der []byte, mode os.FileMode) {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, name), data, mode); err != nil {
		panic(err)
	}
}
