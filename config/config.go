// Copyright 2025 The walletmux Authors
// This file is part of the walletmux library.
//
// The walletmux library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The walletmux library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the walletmux library. If not, see <http://www.gnu.org/licenses/>.

// Package config carries the daemon configuration. Values come from an
// optional YAML file overridden by flags; the master key only ever comes
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MasterKeyEnv is the environment variable holding the vault master key.
const MasterKeyEnv = "STORAGE_MASTER_KEY"

// Config is the full daemon configuration.
type Config struct {
	// DataDir is the base directory for the ledger database.
	DataDir string `yaml:"datadir"`

	// Database overrides the ledger database path; defaults to
	// <datadir>/walletmux.db.
	Database string `yaml:"database"`

	// Relays are the transport endpoints served sub-wallets advertise
	// and the daemon subscribes on.
	Relays []string `yaml:"relays"`

	// UpstreamURI is the wallet-connect URI of the one real upstream
	// wallet.
	UpstreamURI string `yaml:"upstream"`

	// UpstreamConcurrent marks the upstream safe for concurrent calls.
	UpstreamConcurrent bool `yaml:"upstream_concurrent"`

	// MetricsAddr is the listen address of the metrics endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// SweepInterval is the expiry sweeper period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxInflight caps concurrently running request handlers.
	MaxInflight int64 `yaml:"max_inflight"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// MasterKey is read from the environment, never from the file.
	MasterKey string `yaml:"-"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir:       ".",
		SweepInterval: time.Minute,
		MaxInflight:   32,
	}
}

// Load reads the YAML file at path into a defaulted config and pulls the
// master key from the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.MasterKey = os.Getenv(MasterKeyEnv)
	return cfg, nil
}

// DatabasePath resolves the effective ledger database location.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "walletmux.db")
}

// Validate checks that the config is runnable.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return errors.New("config: " + MasterKeyEnv + " is required")
	}
	if len(c.Relays) == 0 {
		return errors.New("config: at least one relay is required")
	}
	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			return fmt.Errorf("config: relay %q must use ws:// or wss://", r)
		}
	}
	if c.UpstreamURI == "" {
		return errors.New("config: upstream wallet-connect uri is required")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: sweep_interval must not be negative")
	}
	return nil
}
