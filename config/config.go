// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/absmach/liner/ratelimit"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized on top of the file configuration.
const (
	EnvAddressRefresh    = "UPDATE_SENDER_ADDRESSES_TIMEOUT_MS"
	EnvFlushTolerance    = "TOLERANCE_FOR_UPDATE_MESS_NUMBER"
	EnvReconnectInterval = "CHECK_AVAILABLE_STREAM_TIMEOUT_MS"
	EnvForceRefresh      = "IS_CHECK_NEW_ADDRESS_TOPIC_ENABLE"
	EnvReadBuffer        = "READ_BUFFER_CAPACITY"
	EnvWriteBuffer       = "WRITE_BUFFER_CAPACITY"
	EnvMaxEvents         = "EPOLL_LISTEN_EVENTS_COUNT"

	EnvClientName  = "LINER_CLIENT_NAME"
	EnvClientTopic = "LINER_CLIENT_TOPIC"
	EnvClientAddr  = "LINER_CLIENT_ADDR"
	EnvStoreType   = "LINER_STORE_TYPE"
)

// Store backend types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreEtcd   = "etcd"
	StoreBadger = "badger"
)

// Config holds all configuration for a liner client process.
type Config struct {
	Client   ClientConfig   `yaml:"client" toml:"client"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Daemon   DaemonConfig   `yaml:"daemon" toml:"daemon"`
}

// ClientConfig identifies the client.
type ClientConfig struct {
	Name          string   `yaml:"name" toml:"name"`     // unique name
	Topic         string   `yaml:"topic" toml:"topic"`   // home topic
	Addr          string   `yaml:"addr" toml:"addr"`     // local bind address
	Subscriptions []string `yaml:"subscriptions" toml:"subscriptions"`
}

// StoreConfig selects and configures the coordination store.
type StoreConfig struct {
	Type        string        `yaml:"type" toml:"type"` // memory, redis, etcd, badger
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Compression bool          `yaml:"compression" toml:"compression"` // zstd for parked frames

	Redis  RedisConfig  `yaml:"redis" toml:"redis"`
	Etcd   EtcdConfig   `yaml:"etcd" toml:"etcd"`
	Badger BadgerConfig `yaml:"badger" toml:"badger"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL         string        `yaml:"url" toml:"url"`
	Password    string        `yaml:"password" toml:"password"`
	DB          int           `yaml:"db" toml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// EtcdConfig holds etcd client settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" toml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// DeliveryConfig tunes the listener and sender.
type DeliveryConfig struct {
	// AddressRefreshInterval bounds how long a cached topic address list is used.
	AddressRefreshInterval time.Duration `yaml:"address_refresh_interval" toml:"address_refresh_interval"`
	// ForceAddressRefresh reloads topic addresses on every send.
	ForceAddressRefresh bool `yaml:"force_address_refresh" toml:"force_address_refresh"`
	// FlushTolerance is the number of accepted messages per source between
	// received-sequence checkpoints.
	FlushTolerance uint64 `yaml:"flush_tolerance" toml:"flush_tolerance"`
	// FlushInterval checkpoints dirty sources even below the tolerance.
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	// ReconnectInterval is the minimum delay between connect attempts to an
	// unreachable destination.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" toml:"reconnect_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`

	ReadBufferSize  int `yaml:"read_buffer_size" toml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size" toml:"write_buffer_size"`
	// MaxEvents sizes the reactor event queues.
	MaxEvents    int `yaml:"max_events" toml:"max_events"`
	Workers      int `yaml:"workers" toml:"workers"`
	MaxFrameSize int `yaml:"max_frame_size" toml:"max_frame_size"`
	// SourceCapacity bounds the per-source receive state kept in memory.
	SourceCapacity int `yaml:"source_capacity" toml:"source_capacity"`

	RateLimit ratelimit.Config `yaml:"rate_limit" toml:"rate_limit"`
	Breaker   BreakerConfig    `yaml:"breaker" toml:"breaker"`
}

// BreakerConfig configures the per-destination connect circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" toml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry export settings.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled" toml:"enabled"`
	Endpoint        string  `yaml:"endpoint" toml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name" toml:"service_name"`
	ServiceVersion  string  `yaml:"service_version" toml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled" toml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" toml:"trace_sample_rate"`
}

// DaemonConfig drives the optional traffic generator of the daemon.
type DaemonConfig struct {
	SendTopic    string        `yaml:"send_topic" toml:"send_topic"`
	SendInterval time.Duration `yaml:"send_interval" toml:"send_interval"`
	Broadcast    bool          `yaml:"broadcast" toml:"broadcast"`
	Payload      string        `yaml:"payload" toml:"payload"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Addr: "127.0.0.1:7400",
		},
		Store: StoreConfig{
			Type:    StoreMemory,
			Timeout: 5 * time.Second,
			Redis: RedisConfig{
				URL:         "redis://localhost:6379/0",
				DialTimeout: 5 * time.Second,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
			},
			Badger: BadgerConfig{
				Dir: "/tmp/liner/badger",
			},
		},
		Delivery: DeliveryConfig{
			AddressRefreshInterval: time.Second,
			FlushTolerance:         100,
			FlushInterval:          time.Second,
			ReconnectInterval:      time.Second,
			DialTimeout:            3 * time.Second,
			ReadBufferSize:         64 * 1024,
			WriteBufferSize:        64 * 1024,
			MaxEvents:              128,
			Workers:                16,
			MaxFrameSize:           64 << 20,
			SourceCapacity:         4096,
			RateLimit:              ratelimit.DefaultConfig(),
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "liner",
			ServiceVersion:  "dev",
			TraceSampleRate: 0.1,
		},
		Daemon: DaemonConfig{
			SendInterval: time.Second,
			Payload:      "ping",
		},
	}
}

// Load loads configuration from a YAML or TOML file, chosen by extension,
// then applies environment overrides. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := unmarshal(filename, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func unmarshal(filename string, data []byte, cfg *Config) error {
	if isTOML(filename) {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func isTOML(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".toml")
}

// ApplyEnv overrides identity and delivery options from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str(EnvClientName, &c.Client.Name)
	str(EnvClientTopic, &c.Client.Topic)
	str(EnvClientAddr, &c.Client.Addr)
	str(EnvStoreType, &c.Store.Type)

	millis := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 63)
		if err != nil {
			return fmt.Errorf("%s must be a number of milliseconds: %w", name, err)
		}
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", name, err)
		}
		*dst = n
		return nil
	}

	if err := millis(EnvAddressRefresh, &c.Delivery.AddressRefreshInterval); err != nil {
		return err
	}
	if err := millis(EnvReconnectInterval, &c.Delivery.ReconnectInterval); err != nil {
		return err
	}
	if v, ok := lookup(EnvFlushTolerance); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be a non-negative integer: %w", EnvFlushTolerance, err)
		}
		c.Delivery.FlushTolerance = n
	}
	if v, ok := lookup(EnvForceRefresh); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", EnvForceRefresh, err)
		}
		c.Delivery.ForceAddressRefresh = b
	}
	if err := integer(EnvReadBuffer, &c.Delivery.ReadBufferSize); err != nil {
		return err
	}
	if err := integer(EnvWriteBuffer, &c.Delivery.WriteBufferSize); err != nil {
		return err
	}
	return integer(EnvMaxEvents, &c.Delivery.MaxEvents)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Client.Name == "" {
		return fmt.Errorf("client.name cannot be empty")
	}
	if c.Client.Topic == "" {
		return fmt.Errorf("client.topic cannot be empty")
	}
	if c.Client.Addr == "" {
		return fmt.Errorf("client.addr cannot be empty")
	}
	for i, s := range c.Client.Subscriptions {
		if s == "" {
			return fmt.Errorf("client.subscriptions[%d] cannot be empty", i)
		}
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url required when type is redis")
		}
	case StoreEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints required when type is etcd")
		}
	case StoreBadger:
		if c.Store.Badger.Dir == "" {
			return fmt.Errorf("store.badger.dir required when type is badger")
		}
	default:
		return fmt.Errorf("store.type must be one of: memory, redis, etcd, badger")
	}
	if c.Store.Timeout < 0 {
		return fmt.Errorf("store.timeout cannot be negative")
	}

	d := c.Delivery
	if d.AddressRefreshInterval < 0 {
		return fmt.Errorf("delivery.address_refresh_interval cannot be negative")
	}
	if d.ReconnectInterval <= 0 {
		return fmt.Errorf("delivery.reconnect_interval must be positive")
	}
	if d.FlushInterval < 0 {
		return fmt.Errorf("delivery.flush_interval cannot be negative")
	}
	if d.DialTimeout <= 0 {
		return fmt.Errorf("delivery.dial_timeout must be positive")
	}
	if d.ReadBufferSize < 1024 {
		return fmt.Errorf("delivery.read_buffer_size must be at least 1KB")
	}
	if d.WriteBufferSize < 1024 {
		return fmt.Errorf("delivery.write_buffer_size must be at least 1KB")
	}
	if d.MaxEvents < 1 {
		return fmt.Errorf("delivery.max_events must be at least 1")
	}
	if d.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1")
	}
	if d.MaxFrameSize < 1024 {
		return fmt.Errorf("delivery.max_frame_size must be at least 1KB")
	}
	if d.SourceCapacity < 1 {
		return fmt.Errorf("delivery.source_capacity must be at least 1")
	}
	if d.RateLimit.Enabled && (d.RateLimit.Rate <= 0 || d.RateLimit.Burst < 1) {
		return fmt.Errorf("delivery.rate_limit requires a positive rate and burst when enabled")
	}
	if d.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("delivery.breaker.failure_threshold must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Daemon.SendTopic != "" && c.Daemon.SendInterval <= 0 {
		return fmt.Errorf("daemon.send_interval must be positive when send_topic is set")
	}

	return nil
}

// Save writes the configuration as YAML, or TOML for a .toml filename.
func (c *Config) Save(filename string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(filename) {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
