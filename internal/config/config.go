package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Sync           Sync   `toml:"sync"`
	Remote         Remote `toml:"remote"`
}

// Sync tunes the queue drain processor.
type Sync struct {
	// MaxRetries is the transient-failure budget per message before it is
	// parked as failed.
	MaxRetries int `toml:"max_retries"`
	// BaseBackoffMs is the delay after the first failed attempt; each
	// further attempt doubles it.
	BaseBackoffMs int `toml:"base_backoff_ms"`
	// MaxBackoffMs caps the doubling.
	MaxBackoffMs int `toml:"max_backoff_ms"`
	// TickIntervalMs is the active-app timer that catches expired backoffs.
	TickIntervalMs int `toml:"tick_interval_ms"`
}

// Remote configures the backend message endpoint.
type Remote struct {
	BaseURL         string `toml:"base_url"`
	Token           string `toml:"token"`
	TimeoutMs       int    `toml:"timeout_ms"`
	ProbeIntervalMs int    `toml:"probe_interval_ms"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Sync: Sync{
			MaxRetries:     5,
			BaseBackoffMs:  1000,
			MaxBackoffMs:   30000,
			TickIntervalMs: 15000,
		},
		Remote: Remote{
			TimeoutMs:       10000,
			ProbeIntervalMs: 20000,
		},
	}
}

// Load reads config from the given path and fills unset tuning values with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// applyDefaults backfills zero values so a sparse config file still yields a
// runnable engine.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = d.Sync.MaxRetries
	}
	if c.Sync.BaseBackoffMs <= 0 {
		c.Sync.BaseBackoffMs = d.Sync.BaseBackoffMs
	}
	if c.Sync.MaxBackoffMs <= 0 {
		c.Sync.MaxBackoffMs = d.Sync.MaxBackoffMs
	}
	if c.Sync.TickIntervalMs <= 0 {
		c.Sync.TickIntervalMs = d.Sync.TickIntervalMs
	}
	if c.Remote.TimeoutMs <= 0 {
		c.Remote.TimeoutMs = d.Remote.TimeoutMs
	}
	if c.Remote.ProbeIntervalMs <= 0 {
		c.Remote.ProbeIntervalMs = d.Remote.ProbeIntervalMs
	}
}
