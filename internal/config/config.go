package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/mcpdock"
	configFileName = "config.yaml"
)

// AppConfig holds process-level settings that are not part of any
// single server's descriptor.
type AppConfig struct {
	// StoreDir is the directory backing the persistent key/value store.
	// Defaults to ~/.config/mcpdock/store.
	StoreDir string

	// CallbackAddr is the listen address for the loopback OAuth
	// callback server. Defaults to 127.0.0.1:0 (ephemeral port).
	CallbackAddr string

	// HTTPTimeout bounds outgoing HTTP requests (discovery, token
	// exchange, tool calls). Defaults to 30s.
	HTTPTimeout time.Duration
}

// rawAppConfig is the on-disk shape: durations are strings like "30s".
type rawAppConfig struct {
	StoreDir     string `yaml:"storeDir"`
	CallbackAddr string `yaml:"callbackAddr"`
	HTTPTimeout  string `yaml:"httpTimeout"`
}

// DefaultAppConfig returns the built-in defaults.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		CallbackAddr: "127.0.0.1:0",
		HTTPTimeout:  30 * time.Second,
	}
}

// DefaultConfigPath returns the per-user configuration directory.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadAppConfig loads config.yaml from the given directory, falling
// back to defaults when the file does not exist.
func LoadAppConfig(configPath string) (AppConfig, error) {
	cfg := DefaultAppConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no config.yaml found, using defaults", "path", configFilePath)
			cfg.StoreDir = filepath.Join(configPath, "store")
			return cfg, nil
		}
		return AppConfig{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}

	var raw rawAppConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return AppConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	cfg.StoreDir = raw.StoreDir
	cfg.CallbackAddr = raw.CallbackAddr
	if raw.HTTPTimeout != "" {
		timeout, err := time.ParseDuration(raw.HTTPTimeout)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid httpTimeout in %s: %w", configFilePath, err)
		}
		cfg.HTTPTimeout = timeout
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(configPath, "store")
	}
	if cfg.CallbackAddr == "" {
		cfg.CallbackAddr = "127.0.0.1:0"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}

	slog.Debug("loaded configuration", "path", configFilePath)
	return cfg, nil
}
