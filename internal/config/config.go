// Package config loads and validates the wiregate configuration.
//
// The running gateway never reads a file directly: it holds a Snapshot
// that is swapped atomically on reload, so a request sees one consistent
// configuration for its whole lifetime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/wiregate/internal/auth"
	"github.com/haasonsaas/wiregate/internal/ratelimit"
)

// Config is the main configuration structure for wiregate.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig holds the protocol runtime settings.
type GatewayConfig struct {
	Auth      auth.Config      `yaml:"auth"`
	Limits    LimitsConfig     `yaml:"limits"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Dedupe    DedupeConfig     `yaml:"dedupe"`
}

// LimitsConfig bounds per-connection resource usage and protocol timing.
type LimitsConfig struct {
	// MaxBufferedBytes is the per-connection outbound buffer ceiling.
	MaxBufferedBytes int `yaml:"max_buffered_bytes"`

	// HandshakeTimeout bounds how long a socket may sit unauthenticated.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// TickInterval is the keepalive tick period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// DeltaInterval is the minimum spacing between chat delta events.
	DeltaInterval time.Duration `yaml:"delta_interval"`

	// InvokeTimeout is the default node invocation deadline.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`

	// RunTimeout is the chat run expiry deadline.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type DedupeConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

type SessionsConfig struct {
	// Driver selects the session store: "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the sqlite database path.
	Path string `yaml:"path"`
	// DefaultKey is the session key used when a client sends none.
	DefaultKey string `yaml:"default_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9979,
		},
		Gateway: GatewayConfig{
			Auth: auth.Config{Mode: "none"},
			Limits: LimitsConfig{
				MaxBufferedBytes: 16 << 20,
				HandshakeTimeout: 10 * time.Second,
				TickInterval:     30 * time.Second,
				DeltaInterval:    150 * time.Millisecond,
				InvokeTimeout:    30 * time.Second,
				RunTimeout:       10 * time.Minute,
			},
			RateLimit: ratelimit.DefaultConfig(),
			Dedupe: DedupeConfig{
				TTL:     2 * time.Minute,
				MaxSize: 5000,
			},
		},
		Sessions: SessionsConfig{
			Driver:     "memory",
			DefaultKey: "main",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, merges and validates a configuration file. Missing values
// fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch auth.ResolveMode(c.Gateway.Auth) {
	case auth.ModeToken:
		if c.Gateway.Auth.Token == "" {
			return fmt.Errorf("gateway.auth.token required for token mode")
		}
	case auth.ModePassword:
		if c.Gateway.Auth.Password == "" {
			return fmt.Errorf("gateway.auth.password required for password mode")
		}
	case auth.ModeTrustedProxy:
		if len(c.Gateway.Auth.TrustedProxies) == 0 {
			return fmt.Errorf("gateway.auth.trusted_proxies required for trusted-proxy mode")
		}
	}
	switch c.Sessions.Driver {
	case "", "memory":
	case "sqlite":
		if c.Sessions.Path == "" {
			return fmt.Errorf("sessions.path required for sqlite driver")
		}
	default:
		return fmt.Errorf("unknown sessions.driver %q", c.Sessions.Driver)
	}
	if c.Gateway.Limits.HandshakeTimeout <= 0 {
		return fmt.Errorf("gateway.limits.handshake_timeout must be positive")
	}
	return nil
}
