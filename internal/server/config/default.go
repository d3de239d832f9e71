// Package config defines the server configuration structure.
package config

import "time"

// Default configuration values.
const (
	DefaultAddr = "127.0.0.1:6379"

	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute

	DefaultShards = 16

	DefaultExpireInterval   = 100 * time.Millisecond
	DefaultExpireSampleSize = 20

	DefaultMaxBulkLen   = 512 * 1024
	DefaultMaxArrayLen  = 1024
	DefaultMaxInlineLen = 4 * 1024

	DefaultMetricsAddr = "127.0.0.1:9121"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Addr:         DefaultAddr,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			RateLimit:    0,
		},
		Store: StoreSection{
			Shards: DefaultShards,
		},
		Expire: ExpireSection{
			Interval:   DefaultExpireInterval,
			SampleSize: DefaultExpireSampleSize,
		},
		Limits: LimitsSection{
			MaxBulkLen:   DefaultMaxBulkLen,
			MaxArrayLen:  DefaultMaxArrayLen,
			MaxInlineLen: DefaultMaxInlineLen,
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
