package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrMTLSRequired            = errors.New("transport: mtls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

// TLSConfig holds file-based TLS material for the TCP transport.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateClientSecurity enforces the dial-side transport security policy:
// production requires mutual TLS with full verification.
func ValidateClientSecurity(mode SecurityMode, cfg TLSConfig) error {
	m := NormalizeSecurityMode(mode)
	switch m {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}

	if m == SecurityModeProduction {
		if !cfg.Enabled {
			return ErrTLSRequired
		}
		if !cfg.Mutual {
			return ErrMTLSRequired
		}
		if cfg.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if cfg.Mutual && !cfg.Enabled {
		return ErrTLSRequired
	}
	if cfg.Enabled && strings.TrimSpace(cfg.CAFile) == "" && !cfg.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if cfg.Mutual {
		if strings.TrimSpace(cfg.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(cfg.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ValidateServerSecurity enforces the listen-side transport security policy.
func ValidateServerSecurity(mode SecurityMode, cfg TLSConfig) error {
	m := NormalizeSecurityMode(mode)
	switch m {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}

	if m == SecurityModeProduction {
		if !cfg.Enabled {
			return ErrTLSRequired
		}
		if !cfg.Mutual {
			return ErrMTLSRequired
		}
	}
	if cfg.Mutual && !cfg.Enabled {
		return ErrTLSRequired
	}
	if cfg.Enabled {
		if strings.TrimSpace(cfg.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(cfg.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if cfg.Mutual && strings.TrimSpace(cfg.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

func clientTLS(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: ca load failed: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: ca parse failed (%s)", cfg.CAFile)
		}
		out.RootCAs = pool
	}
	if cfg.Mutual {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: client cert load failed: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func serverTLS(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: server cert load failed: %w", err)
	}
	out := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.Mutual {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: ca load failed: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: ca parse failed (%s)", cfg.CAFile)
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}
