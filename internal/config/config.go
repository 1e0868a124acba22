// Package config loads the JSON configuration mapping listen ports to
// cipher method + password, following the teacher's read-JSON-then-apply-
// env-overrides pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"ssrelay/internal/cipher"
)

// PortEntry is one configured listener: the port clients connect to, the
// AEAD method, and the shared password used to derive its master key.
type PortEntry struct {
	Port     int           `json:"port"`
	Method   cipher.Method `json:"method"`
	Password string        `json:"password"`
}

// Config is the top-level configuration file shape.
type Config struct {
	Entries []PortEntry `json:"entries"`

	MetricsAddr string `json:"metricsAddr"`
	LogLevel    string `json:"logLevel"`

	UDPSessionTTLSeconds       int `json:"udpSessionTtlSeconds"`
	UDPCleanupIntervalSeconds  int `json:"udpCleanupIntervalSeconds"`
}

const (
	DefaultUDPSessionTTL      = 5 * time.Minute
	DefaultUDPCleanupInterval = time.Minute
)

// UDPSessionTTL returns the configured idle timeout, or the default if
// unset.
func (c *Config) UDPSessionTTL() time.Duration {
	if c.UDPSessionTTLSeconds <= 0 {
		return DefaultUDPSessionTTL
	}
	return time.Duration(c.UDPSessionTTLSeconds) * time.Second
}

// UDPCleanupInterval returns the configured sweep interval, or the
// default if unset.
func (c *Config) UDPCleanupInterval() time.Duration {
	if c.UDPCleanupIntervalSeconds <= 0 {
		return DefaultUDPCleanupInterval
	}
	return time.Duration(c.UDPCleanupIntervalSeconds) * time.Second
}

// Load reads path, validates it, and applies the metrics address, log
// level and UDP session TTL environment overrides, matching the teacher's
// configuration reader.
func Load(path string) (*Config, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(fileBytes, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("no port entries configured")
	}

	seen := make(map[int]bool, len(c.Entries))
	for _, e := range c.Entries {
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("invalid port %d", e.Port)
		}
		if seen[e.Port] {
			return fmt.Errorf("duplicate port %d", e.Port)
		}
		seen[e.Port] = true

		switch e.Method {
		case cipher.ChaCha20IETFPoly1305, cipher.AES256GCM:
		default:
			return fmt.Errorf("port %d: %w: %q", e.Port, cipher.ErrUnsupportedMethod, e.Method)
		}

		if e.Password == "" {
			return fmt.Errorf("port %d: empty password", e.Port)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SSRELAY_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("SSRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SSRELAY_UDP_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UDPSessionTTLSeconds = n
		}
	}
}

// PortKeys converts the config entries into cipher.PortKey values for
// cipher.NewManager.
func (c *Config) PortKeys() []cipher.PortKey {
	keys := make([]cipher.PortKey, 0, len(c.Entries))
	for _, e := range c.Entries {
		keys = append(keys, cipher.PortKey{Port: e.Port, Method: e.Method, Password: e.Password})
	}
	return keys
}

// Save writes the configuration back to path as indented JSON, used by
// the interactive configure command.
func Save(path string, cfg *Config) error {
	marshalled, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, marshalled, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
