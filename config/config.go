// Package config locates the crypto store and manages the pickle key that
// encrypts every account and session pickle at rest. The pickle key is
// generated once and kept in the OS keyring, never in the config file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

const (
	appName       = "arko-e2ee"
	configFile    = "config.json"
	pickleKeyName = "pickle_key"
)

type Config struct {
	StorePath string `json:"store_path"`
	PickleKey []byte `json:"-"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else {
		cfg.StorePath = filepath.Join(appDir, "crypto")
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
	}

	cfg.PickleKey, err = loadOrCreatePickleKey()
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func loadOrCreatePickleKey() ([]byte, error) {
	stored, err := keyring.Get(appName, pickleKeyName)
	if err == nil {
		return base64.StdEncoding.DecodeString(stored)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(appName, pickleKeyName, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("E2EE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("E2EE_PICKLE_KEY"); v != "" {
		if key, err := base64.StdEncoding.DecodeString(v); err == nil {
			cfg.PickleKey = key
		}
	}
}
