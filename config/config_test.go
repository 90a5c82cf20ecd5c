// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Client.Name = "x"
	cfg.Client.Topic = "tx"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Delivery.AddressRefreshInterval != time.Second {
		t.Errorf("expected address refresh 1s, got %v", cfg.Delivery.AddressRefreshInterval)
	}
	if cfg.Delivery.FlushTolerance != 100 {
		t.Errorf("expected flush tolerance 100, got %d", cfg.Delivery.FlushTolerance)
	}
	if cfg.Delivery.ReconnectInterval != time.Second {
		t.Errorf("expected reconnect interval 1s, got %v", cfg.Delivery.ReconnectInterval)
	}
	if cfg.Delivery.ForceAddressRefresh {
		t.Error("expected forced address refresh to be disabled")
	}
	if cfg.Delivery.ReadBufferSize != 64*1024 || cfg.Delivery.WriteBufferSize != 64*1024 {
		t.Errorf("expected 64KiB buffers, got %d/%d", cfg.Delivery.ReadBufferSize, cfg.Delivery.WriteBufferSize)
	}
	if cfg.Delivery.MaxEvents != 128 {
		t.Errorf("expected max events 128, got %d", cfg.Delivery.MaxEvents)
	}
	if cfg.Store.Type != StoreMemory {
		t.Errorf("expected memory store, got %s", cfg.Store.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing name",
			modify:  func(c *Config) { c.Client.Name = "" },
			wantErr: true,
		},
		{
			name:    "missing topic",
			modify:  func(c *Config) { c.Client.Topic = "" },
			wantErr: true,
		},
		{
			name:    "missing addr",
			modify:  func(c *Config) { c.Client.Addr = "" },
			wantErr: true,
		},
		{
			name:    "empty subscription",
			modify:  func(c *Config) { c.Client.Subscriptions = []string{"a", ""} },
			wantErr: true,
		},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Store.Type = "mysql" },
			wantErr: true,
		},
		{
			name: "redis without url",
			modify: func(c *Config) {
				c.Store.Type = StoreRedis
				c.Store.Redis.URL = ""
			},
			wantErr: true,
		},
		{
			name: "etcd without endpoints",
			modify: func(c *Config) {
				c.Store.Type = StoreEtcd
				c.Store.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Store.Type = StoreBadger
				c.Store.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name:    "zero reconnect interval",
			modify:  func(c *Config) { c.Delivery.ReconnectInterval = 0 },
			wantErr: true,
		},
		{
			name:    "buffer too small",
			modify:  func(c *Config) { c.Delivery.ReadBufferSize = 100 },
			wantErr: true,
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Delivery.Workers = 0 },
			wantErr: true,
		},
		{
			name: "rate limit without rate",
			modify: func(c *Config) {
				c.Delivery.RateLimit.Enabled = true
				c.Delivery.RateLimit.Rate = 0
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name: "bad sample rate",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.TraceSampleRate = 2
			},
			wantErr: true,
		},
		{
			name: "sender without interval",
			modify: func(c *Config) {
				c.Daemon.SendTopic = "ty"
				c.Daemon.SendInterval = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAddressRefresh:    "250",
		EnvFlushTolerance:    "7",
		EnvReconnectInterval: "1500",
		EnvForceRefresh:      "true",
		EnvReadBuffer:        "8192",
		EnvWriteBuffer:       "16384",
		EnvMaxEvents:         "32",
		EnvClientName:        "y",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := validConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	d := cfg.Delivery
	if d.AddressRefreshInterval != 250*time.Millisecond {
		t.Errorf("address refresh = %v", d.AddressRefreshInterval)
	}
	if d.FlushTolerance != 7 {
		t.Errorf("flush tolerance = %d", d.FlushTolerance)
	}
	if d.ReconnectInterval != 1500*time.Millisecond {
		t.Errorf("reconnect interval = %v", d.ReconnectInterval)
	}
	if !d.ForceAddressRefresh {
		t.Error("force refresh not applied")
	}
	if d.ReadBufferSize != 8192 || d.WriteBufferSize != 16384 {
		t.Errorf("buffers = %d/%d", d.ReadBufferSize, d.WriteBufferSize)
	}
	if d.MaxEvents != 32 {
		t.Errorf("max events = %d", d.MaxEvents)
	}
	if cfg.Client.Name != "y" {
		t.Errorf("client name = %s", cfg.Client.Name)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	for _, name := range []string{EnvAddressRefresh, EnvFlushTolerance, EnvForceRefresh, EnvMaxEvents} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			err := cfg.ApplyEnv(func(k string) (string, bool) {
				if k == name {
					return "not-a-value", true
				}
				return "", false
			})
			if err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	t.Setenv(EnvClientName, "x")
	t.Setenv(EnvClientTopic, "tx")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config when file doesn't exist, got error: %v", err)
	}
	if cfg.Client.Addr != "127.0.0.1:7400" {
		t.Errorf("expected default config, got addr %s", cfg.Client.Addr)
	}
}

func TestLoadInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("client: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(file); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")

	cfg := validConfig()
	cfg.Client.Subscriptions = []string{"news"}
	cfg.Delivery.ReconnectInterval = 3 * time.Second
	cfg.Store.Compression = true
	cfg.Log.Level = "debug"

	if err := cfg.Save(file); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Client.Name != "x" || loaded.Client.Topic != "tx" {
		t.Errorf("identity = %s@%s", loaded.Client.Name, loaded.Client.Topic)
	}
	if len(loaded.Client.Subscriptions) != 1 || loaded.Client.Subscriptions[0] != "news" {
		t.Errorf("subscriptions = %v", loaded.Client.Subscriptions)
	}
	if loaded.Delivery.ReconnectInterval != 3*time.Second {
		t.Errorf("expected reconnect interval 3s, got %v", loaded.Delivery.ReconnectInterval)
	}
	if !loaded.Store.Compression {
		t.Error("compression not loaded")
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}

func TestLoadTOML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "liner.toml")
	data := `
[client]
name = "x"
topic = "tx"
addr = "127.0.0.1:9100"
subscriptions = ["news", "alerts"]

[store]
type = "etcd"

[store.etcd]
endpoints = ["127.0.0.1:2379"]

[delivery]
flush_tolerance = 10
reconnect_interval = "250ms"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.Addr != "127.0.0.1:9100" {
		t.Errorf("addr = %s", cfg.Client.Addr)
	}
	if len(cfg.Client.Subscriptions) != 2 {
		t.Errorf("subscriptions = %v", cfg.Client.Subscriptions)
	}
	if cfg.Store.Type != StoreEtcd || cfg.Store.Etcd.Endpoints[0] != "127.0.0.1:2379" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Delivery.FlushTolerance != 10 {
		t.Errorf("flush tolerance = %d", cfg.Delivery.FlushTolerance)
	}
	if cfg.Delivery.ReconnectInterval != 250*time.Millisecond {
		t.Errorf("reconnect interval = %v", cfg.Delivery.ReconnectInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Delivery.MaxEvents != 128 {
		t.Errorf("max events = %d", cfg.Delivery.MaxEvents)
	}
}
