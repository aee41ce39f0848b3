// Package auth secures the transport between peers with TLS. Team
// membership is established by the connection protocol itself; TLS only
// keeps the exchanged history away from eavesdroppers.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// Config enables TLS for gRPC sync streams
type Config struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	CAPath   string `json:"ca_cert" toml:"ca_cert"`
	CertPath string `json:"cert" toml:"cert"`
	KeyPath  string `json:"key" toml:"key"`
	// RequireClientAuth makes the server demand a certificate from the same CA
	RequireClientAuth bool   `json:"require_client_auth" toml:"require_client_auth"`
	MinTLSVersion     string `json:"min_tls_version,omitempty" toml:"min_tls_version,omitempty"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAPath == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}
	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported min_tls_version %q", c.MinTLSVersion)
	}
	return nil
}

// ServerConfig returns the TLS configuration of a listening peer, nil when
// TLS is disabled
func ServerConfig(c *Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion(c.MinTLSVersion),
	}
	if c.RequireClientAuth {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientConfig returns the TLS configuration of a dialing peer, nil when
// TLS is disabled. The client presents its certificate so that servers
// requiring client auth accept it.
func ClientConfig(c *Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pool, err := loadCAPool(c.CAPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion(c.MinTLSVersion),
	}, nil
}

// ServerCredentials wraps ServerConfig for grpc.Creds; nil when disabled
func ServerCredentials(c *Config) (credentials.TransportCredentials, error) {
	cfg, err := ServerConfig(c)
	if err != nil || cfg == nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials wraps ClientConfig for grpc.WithTransportCredentials;
// nil when disabled
func ClientCredentials(c *Config) (credentials.TransportCredentials, error) {
	cfg, err := ClientConfig(c)
	if err != nil || cfg == nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}

func minVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
