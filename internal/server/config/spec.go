// Package config defines the server configuration structure.
package config

import "time"

// ServerConfig is the root configuration for rudis-server.
type ServerConfig struct {
	Server  ServerSection  `koanf:"server"`
	Store   StoreSection   `koanf:"store"`
	Expire  ExpireSection  `koanf:"expire"`
	Limits  LimitsSection  `koanf:"limits"`
	Metrics MetricsSection `koanf:"metrics"`
	Log     LogSection     `koanf:"log"`
}

// ServerSection configures the TCP listener and connection handling.
type ServerSection struct {
	// Addr is the listen address, e.g. "127.0.0.1:6379".
	Addr string `koanf:"addr"`

	// ReadTimeout bounds reading a single command once its first byte
	// has arrived.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout bounds writing a batch of replies.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// IdleTimeout bounds how long a connection may sit between
	// commands before it is closed.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// RateLimit is the maximum number of commands per second per
	// client IP. 0 disables rate limiting.
	RateLimit int `koanf:"rate_limit"`
}

// StoreSection configures the key-value store.
type StoreSection struct {
	// Shards is the number of lock shards. Must be a power of two.
	Shards int `koanf:"shards"`
}

// ExpireSection configures active expiration.
type ExpireSection struct {
	// Interval is the sweeper tick cadence.
	Interval time.Duration `koanf:"interval"`

	// SampleSize is how many expiry-bearing entries are inspected per
	// tick.
	SampleSize int `koanf:"sample_size"`
}

// LimitsSection bounds frame sizes accepted from clients.
type LimitsSection struct {
	// MaxBulkLen is the maximum bulk string payload in bytes.
	MaxBulkLen int `koanf:"max_bulk_len"`

	// MaxArrayLen is the maximum number of elements in a command
	// array.
	MaxArrayLen int `koanf:"max_array_len"`

	// MaxInlineLen is the maximum inline command line length in
	// bytes.
	MaxInlineLen int `koanf:"max_inline_len"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
