// Package tls provides TLS configuration for the public listener and the
// outbound Kakao client.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config holds TLS configuration options.
type Config struct {
	// Enabled switches the public listener to HTTPS.
	Enabled bool `mapstructure:"enabled"`
	// CertFile is the path to the TLS certificate file.
	CertFile string `mapstructure:"cert_file"`
	// KeyFile is the path to the TLS private key file.
	KeyFile string `mapstructure:"key_file"`
	// CAFile is an extra CA bundle trusted for outbound calls.
	CAFile string `mapstructure:"ca_file"`
	// MinVersion is "1.2" or "1.3". Defaults to 1.2.
	MinVersion string `mapstructure:"min_version"`
}

func (c Config) minVersion() (uint16, error) {
	switch c.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min version %q", c.MinVersion)
	}
}

// ServerTLSConfig creates a tls.Config for the HTTPS listener.
func ServerTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("certificate and key files are required")
	}

	minVersion, err := cfg.minVersion()
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: preferredCipherSuites(),
	}, nil
}

// ClientTLSConfig creates a tls.Config for outbound calls. The system roots are
// always trusted; CAFile adds to them.
func ClientTLSConfig(cfg Config) (*tls.Config, error) {
	minVersion, err := cfg.minVersion()
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{MinVersion: minVersion}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}

		caPool, err := x509.SystemCertPool()
		if err != nil || caPool == nil {
			caPool = x509.NewCertPool()
		}
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caPool
	}

	return tlsConfig, nil
}

// preferredCipherSuites returns a list of secure cipher suites.
func preferredCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
}
