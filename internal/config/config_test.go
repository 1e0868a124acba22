package config

import (
	"os"
	"path/filepath"
	"testing"

	"ssrelay/internal/cipher"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ssrelay.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempConfig(t, `{
		"entries": [{"port": 8388, "method": "chacha20-ietf-poly1305", "password": "pw"}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Entries) != 1 || cfg.Entries[0].Port != 8388 {
		t.Fatalf("unexpected entries: %+v", cfg.Entries)
	}
	if cfg.UDPSessionTTL() != DefaultUDPSessionTTL {
		t.Fatalf("expected default TTL, got %v", cfg.UDPSessionTTL())
	}
}

func TestLoadRejectsNoEntries(t *testing.T) {
	path := writeTempConfig(t, `{"entries": []}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty entries")
	}
}

func TestLoadRejectsDuplicatePorts(t *testing.T) {
	path := writeTempConfig(t, `{
		"entries": [
			{"port": 8388, "method": "aes-256-gcm", "password": "a"},
			{"port": 8388, "method": "aes-256-gcm", "password": "b"}
		]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate ports")
	}
}

func TestLoadRejectsUnsupportedMethod(t *testing.T) {
	path := writeTempConfig(t, `{
		"entries": [{"port": 8388, "method": "rc4-md5", "password": "a"}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported method")
	}
}

func TestLoadRejectsEmptyPassword(t *testing.T) {
	path := writeTempConfig(t, `{
		"entries": [{"port": 8388, "method": "aes-256-gcm", "password": ""}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `{
		"entries": [{"port": 8388, "method": "aes-256-gcm", "password": "a"}]
	}`)

	t.Setenv("SSRELAY_METRICS_ADDR", ":9999")
	t.Setenv("SSRELAY_LOG_LEVEL", "debug")
	t.Setenv("SSRELAY_UDP_SESSION_TTL_SECONDS", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != ":9999" || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.UDPSessionTTLSeconds != 42 {
		t.Fatalf("expected TTL override, got %d", cfg.UDPSessionTTLSeconds)
	}
}

func TestPortKeysAndSaveRoundTrip(t *testing.T) {
	cfg := &Config{Entries: []PortEntry{
		{Port: 8388, Method: cipher.ChaCha20IETFPoly1305, Password: "pw"},
	}}

	keys := cfg.PortKeys()
	if len(keys) != 1 || keys[0].Port != 8388 || keys[0].Method != cipher.ChaCha20IETFPoly1305 {
		t.Fatalf("unexpected port keys: %+v", keys)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Entries) != 1 || reloaded.Entries[0].Password != "pw" {
		t.Fatalf("round trip mismatch: %+v", reloaded.Entries)
	}
}
