package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppConfig_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}
	if cfg.StoreDir != filepath.Join(dir, "store") {
		t.Errorf("Expected store dir under the config path, got %q", cfg.StoreDir)
	}
	if cfg.CallbackAddr != "127.0.0.1:0" {
		t.Errorf("Expected ephemeral loopback callback address, got %q", cfg.CallbackAddr)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.HTTPTimeout)
	}
}

func TestLoadAppConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
storeDir: /var/lib/mcpdock/store
callbackAddr: 127.0.0.1:8765
httpTimeout: 10s
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}
	if cfg.StoreDir != "/var/lib/mcpdock/store" {
		t.Errorf("Unexpected store dir %q", cfg.StoreDir)
	}
	if cfg.CallbackAddr != "127.0.0.1:8765" {
		t.Errorf("Unexpected callback address %q", cfg.CallbackAddr)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("Unexpected timeout %v", cfg.HTTPTimeout)
	}
}

func TestLoadAppConfig_PartialFileGetsDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("callbackAddr: 127.0.0.1:9000\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}
	if cfg.CallbackAddr != "127.0.0.1:9000" {
		t.Errorf("Unexpected callback address %q", cfg.CallbackAddr)
	}
	if cfg.StoreDir != filepath.Join(dir, "store") {
		t.Errorf("Expected defaulted store dir, got %q", cfg.StoreDir)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("Expected defaulted timeout, got %v", cfg.HTTPTimeout)
	}
}

func TestLoadAppConfig_BadDuration(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("httpTimeout: soon\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadAppConfig(dir); err == nil {
		t.Error("Expected an error for an unparseable duration")
	}
}

func TestLoadAppConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadAppConfig(dir); err == nil {
		t.Error("Expected an error for malformed YAML")
	}
}
