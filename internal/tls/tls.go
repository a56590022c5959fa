// Package tls builds the TLS settings used to reach the storage service.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ClientConfig holds TLS settings for connections to the storage service.
type ClientConfig struct {
	// Enabled applies the settings below. When false only the minimum
	// protocol version is enforced.
	Enabled bool
	// CertFile and KeyFile hold the uploader's certificate for storage
	// services that require mutual TLS.
	CertFile string
	KeyFile  string
	// CAFile adds a private CA to the system roots, for storage endpoints
	// behind an internal PKI.
	CAFile string
	// InsecureSkipVerify skips verification of the storage certificate.
	InsecureSkipVerify bool
	// ServerName overrides the name checked against the storage certificate.
	ServerName string
}

// StorageConfig returns the TLS configuration for storage uploads. It never
// returns nil, so every upload negotiates at least TLS 1.2.
func StorageConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.Enabled {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	tlsConfig.ServerName = cfg.ServerName

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("storage tls: client certificate requires both cert_file and key_file")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("storage tls: load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := storageRoots(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// storageRoots is the system pool plus the certificates in path.
func storageRoots(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage tls: read ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("storage tls: no certificates in ca_file %s", path)
	}
	return pool, nil
}
