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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.MasterKey = "test-master-key"
	cfg.Relays = []string{"wss://relay.example.com"}
	cfg.UpstreamURI = "nostr+walletconnect://abc?relay=wss://r.example&secret=def"
	return cfg
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datadir: /var/lib/walletmux
relays:
  - wss://relay.one.example
  - wss://relay.two.example
upstream: nostr+walletconnect://deadbeef?relay=wss://r.example&secret=cafe
upstream_concurrent: true
metrics_addr: 127.0.0.1:9090
sweep_interval: 30s
max_inflight: 8
debug: true
`), 0o600))
	t.Setenv(MasterKeyEnv, "supersecret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/walletmux", cfg.DataDir)
	assert.Equal(t, []string{"wss://relay.one.example", "wss://relay.two.example"}, cfg.Relays)
	assert.True(t, cfg.UpstreamConcurrent)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(8), cfg.MaxInflight)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "supersecret", cfg.MasterKey)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv(MasterKeyEnv, "k")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, int64(32), cfg.MaxInflight)
	assert.Equal(t, "k", cfg.MasterKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("relays: {not a list"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestMasterKeyNeverComesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("masterkey: fromfile\n"), 0o600))
	t.Setenv(MasterKeyEnv, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.MasterKey)
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/walletmux.db", cfg.DatabasePath())

	cfg.Database = "/elsewhere/ledger.db"
	assert.Equal(t, "/elsewhere/ledger.db", cfg.DatabasePath())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	noKey := validConfig()
	noKey.MasterKey = ""
	assert.Error(t, noKey.Validate())

	noRelays := validConfig()
	noRelays.Relays = nil
	assert.Error(t, noRelays.Validate())

	badRelay := validConfig()
	badRelay.Relays = []string{"https://relay.example.com"}
	assert.Error(t, badRelay.Validate())

	noUpstream := validConfig()
	noUpstream.UpstreamURI = ""
	assert.Error(t, noUpstream.Validate())

	negSweep := validConfig()
	negSweep.SweepInterval = -time.Second
	assert.Error(t, negSweep.Validate())
}
