// Package tls builds the TLS configuration of broker connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/iotdm-go-sdk/pkg/config"
)

// LoadCACert returns a pool holding the PEM certificates of path. An empty
// path returns the system pool.
func LoadCACert(path string) (*x509.CertPool, error) {
	if path == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		return pool, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// NewConfig builds a client TLS configuration. ServerName overrides the name
// verified against the broker certificate, for brokers reached by IP.
func NewConfig(cfg config.TLSConfig) (*tls.Config, error) {
	pool, err := LoadCACert(cfg.CACert)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		RootCAs:            pool,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.ClientCert != "" || cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
