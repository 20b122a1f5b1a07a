// Package mtls builds client TLS configurations for farm endpoints behind a
// private certificate authority, including mutual TLS where the gateway
// requires the agent to present a client certificate.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ClientConfig names the TLS material the agent presents to and trusts from
// the farm endpoint.
type ClientConfig struct {
	// CABundlePath points at a PEM bundle of CA certificates. When set, the
	// bundle replaces the system roots for farm connections.
	CABundlePath string

	// CertificatePath and PrivateKeyPath name a PEM client certificate pair
	// for gateways that require mutual TLS. Set both or neither.
	CertificatePath string
	PrivateKeyPath  string

	// ServerName overrides the hostname verified against the server
	// certificate, for endpoints reached through an address that does not
	// appear in the certificate.
	ServerName string

	Logger *zap.Logger
}

// Validate checks the config is internally consistent.
func (c *ClientConfig) Validate() error {
	if (c.CertificatePath == "") != (c.PrivateKeyPath == "") {
		return fmt.Errorf("client certificate and private key must be set together")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Empty reports whether the config asks for nothing beyond system defaults.
func (c *ClientConfig) Empty() bool {
	return c.CABundlePath == "" && c.CertificatePath == "" && c.ServerName == ""
}

// Build assembles the tls.Config for farm connections.
func Build(cfg ClientConfig) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CABundlePath != "" {
		pool, count, err := loadCertPool(cfg.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA bundle: %w", err)
		}
		tlsCfg.RootCAs = pool
		cfg.Logger.Info("Trusting private CA bundle",
			zap.String("path", cfg.CABundlePath),
			zap.Int("certificates", count),
		)
	}

	if cfg.CertificatePath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertificatePath, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		cfg.Logger.Info("Loaded client certificate",
			zap.String("subject", leaf.Subject.String()),
			zap.Time("not_after", leaf.NotAfter),
		)
	}

	return tlsCfg, nil
}

// loadCertPool parses every CERTIFICATE block in the bundle into a pool.
func loadCertPool(path string) (*x509.CertPool, int, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	pool := x509.NewCertPool()
	count := 0
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, 0, fmt.Errorf("certificate %d in %s: %w", count+1, path, err)
		}
		pool.AddCert(cert)
		count++
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, count, nil
}
