// Package config loads application configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/presenceapp/attendsync/logging"
)

// Config is the top-level application configuration.
type Config struct {
	Logging   logging.Config  `yaml:"logging"`
	Queue     QueueConfig     `yaml:"queue"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
}

// QueueConfig configures the offline operation queue.
type QueueConfig struct {
	// DataSourceName is the SQLite connection string.
	DataSourceName string `yaml:"dsn"`
	// TableName overrides the default operations table.
	TableName string `yaml:"table"`
}

// TransportConfig configures the backend connection.
type TransportConfig struct {
	// BaseURL is the HTTP endpoint of the attendance backend.
	BaseURL string `yaml:"base_url"`
	// WSURL, when set, enables real-time subscriptions over WebSocket.
	WSURL string `yaml:"ws_url"`
	// Timeout bounds each HTTP request, as a duration string ("30s").
	Timeout string `yaml:"timeout"`
}

// SyncConfig configures the sync loop.
type SyncConfig struct {
	// Interval between automatic sync passes, as a duration string ("5m").
	Interval string `yaml:"interval"`
	// BatchSize caps operations pushed per pass. Zero means no cap.
	BatchSize int `yaml:"batch_size"`
}

// GetTimeout parses the transport timeout duration.
func (c *TransportConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetInterval parses the auto-sync interval duration.
func (c *SyncConfig) GetInterval() time.Duration {
	if c.Interval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Default returns a Config with sensible local defaults.
func Default() *Config {
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			DataSourceName: "file:attendsync.db",
		},
		Transport: TransportConfig{
			BaseURL: "http://localhost:8080",
			Timeout: "30s",
		},
		Sync: SyncConfig{
			Interval:  "5m",
			BatchSize: 100,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error: defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Queue.DataSourceName == "" {
		return errors.New("queue.dsn must not be empty")
	}
	if c.Transport.BaseURL == "" {
		return errors.New("transport.base_url must not be empty")
	}
	if c.Transport.Timeout != "" {
		if _, err := time.ParseDuration(c.Transport.Timeout); err != nil {
			return fmt.Errorf("transport.timeout: %w", err)
		}
	}
	if c.Sync.Interval != "" {
		if _, err := time.ParseDuration(c.Sync.Interval); err != nil {
			return fmt.Errorf("sync.interval: %w", err)
		}
	}
	if c.Sync.BatchSize < 0 {
		return errors.New("sync.batch_size must not be negative")
	}
	return nil
}
