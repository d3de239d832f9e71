// Package config defines the server configuration structure.
package config

import "errors"

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Store.Shards <= 0 || cfg.Store.Shards&(cfg.Store.Shards-1) != 0 {
		return errors.New("store.shards must be a power of two")
	}
	if cfg.Expire.Interval <= 0 {
		return errors.New("expire.interval must be positive")
	}
	if cfg.Expire.SampleSize <= 0 {
		return errors.New("expire.sample_size must be positive")
	}
	if cfg.Limits.MaxBulkLen <= 0 {
		return errors.New("limits.max_bulk_len must be positive")
	}
	if cfg.Limits.MaxArrayLen <= 0 {
		return errors.New("limits.max_array_len must be positive")
	}
	if cfg.Limits.MaxInlineLen <= 0 {
		return errors.New("limits.max_inline_len must be positive")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}
