// Package config loads the TOML endpoint configuration for the cporctl
// binary: who we are, where the key lives, how to reach (or listen for)
// the peer, and the session reliability knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/cpor/internal/session"
	"github.com/danmuck/cpor/internal/transport"
)

type ClientConfig struct {
	ClientID  string              `toml:"client_id"`
	KeyFile   string              `toml:"key_file"`
	LogLevel  string              `toml:"log_level"`
	Transport transport.TCPConfig `toml:"transport"`
	Session   session.Config      `toml:"session"`
}

type ServerConfig struct {
	Addr         string                 `toml:"addr"`
	KeyFile      string                 `toml:"key_file"`
	LogLevel     string                 `toml:"log_level"`
	SecurityMode transport.SecurityMode `toml:"security_mode"`
	TLS          transport.TLSConfig    `toml:"tls"`
	Session      session.Config         `toml:"session"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = "cpor.key"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Transport.Addr == "" {
		cfg.Transport = transport.DefaultTCPConfig("127.0.0.1:9470")
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9470"
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = "cpor.key"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.SecurityMode = transport.NormalizeSecurityMode(cfg.SecurityMode)
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		return fmt.Errorf("config: client_id must be a UUID: %q", cfg.ClientID)
	}
	if strings.TrimSpace(cfg.Transport.Addr) == "" {
		return fmt.Errorf("config: transport.addr is required")
	}
	return transport.ValidateClientSecurity(cfg.Transport.SecurityMode, cfg.Transport.TLS)
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("config: addr is required")
	}
	return transport.ValidateServerSecurity(cfg.SecurityMode, cfg.TLS)
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
