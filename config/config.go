// Package config provides configuration loading and management for fusionledger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/fusionledger/broadcast"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Broadcast networks.
const (
	NetworkSimulated = "simulated"
	NetworkNATS      = "nats"
)

// Config represents the complete fusionledger configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	NATS      NATSConfig      `yaml:"nats"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Blobs     BlobsConfig     `yaml:"blobs"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects where the ledger and broadcast log are persisted
type StorageConfig struct {
	// Backend is one of memory, file, sqlite, nats
	Backend string `yaml:"backend"`
	// Path is the directory (file) or database file (sqlite)
	Path string `yaml:"path"`
	// Bucket is the JetStream KV bucket (nats)
	Bucket string `yaml:"bucket"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// Name is the client connection name
	Name string `yaml:"name"`
	// Events publishes ledger and broadcast events on fusion.events.*
	Events bool `yaml:"events"`
}

// BroadcastConfig configures the broadcast coordinator
type BroadcastConfig struct {
	// Network is simulated or nats
	Network string `yaml:"network"`
	// AckWindow is how long the nats network collects peer acks
	AckWindow time.Duration `yaml:"ack_window"`
	// Peers is the number of in-process peers started by serve on the nats network
	Peers int `yaml:"peers"`

	broadcast.Policy `yaml:",inline"`
}

// BlobsConfig configures payload uploads to a content-addressed store
type BlobsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is memory or nats
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig configures slog output
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendFile,
			Path:    ".fusionledger",
			Bucket:  "FUSION_LEDGER",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			Name:     "fusionledger",
		},
		Broadcast: BroadcastConfig{
			Network:   NetworkSimulated,
			AckWindow: 500 * time.Millisecond,
			Peers:     5,
			Policy:    broadcast.DefaultPolicy(),
		},
		Blobs: BlobsConfig{
			Enabled: false,
			Backend: BackendMemory,
			Bucket:  "FUSION_BLOBS",
		},
		HTTP: HTTPConfig{
			Addr:        ":8420",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	backends := []string{BackendMemory, BackendFile, BackendSQLite, BackendNATS}
	if !slices.Contains(backends, c.Storage.Backend) {
		return fmt.Errorf("storage.backend must be one of %s", strings.Join(backends, ", "))
	}
	if (c.Storage.Backend == BackendFile || c.Storage.Backend == BackendSQLite) && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendNATS && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the nats backend")
	}
	if c.Broadcast.Network != NetworkSimulated && c.Broadcast.Network != NetworkNATS {
		return fmt.Errorf("broadcast.network must be simulated or nats")
	}
	if c.Broadcast.Peers < 0 {
		return fmt.Errorf("broadcast.peers must not be negative")
	}
	if err := c.Broadcast.Policy.Validate(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if c.Blobs.Enabled && c.Blobs.Backend != BackendMemory && c.Blobs.Backend != BackendNATS {
		return fmt.Errorf("blobs.backend must be memory or nats")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// NeedsNATS reports whether any configured component uses a NATS connection
func (c *Config) NeedsNATS() bool {
	return c.Storage.Backend == BackendNATS ||
		c.Broadcast.Network == NetworkNATS ||
		(c.Blobs.Enabled && c.Blobs.Backend == BackendNATS) ||
		c.NATS.Events
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}
	if other.NATS.Events {
		c.NATS.Events = true
	}

	// Broadcast
	if other.Broadcast.Network != "" {
		c.Broadcast.Network = other.Broadcast.Network
	}
	if other.Broadcast.AckWindow != 0 {
		c.Broadcast.AckWindow = other.Broadcast.AckWindow
	}
	if other.Broadcast.Peers != 0 {
		c.Broadcast.Peers = other.Broadcast.Peers
	}
	mergePolicy(&c.Broadcast.Policy, other.Broadcast.Policy)

	// Blobs
	if other.Blobs.Enabled {
		c.Blobs.Enabled = true
	}
	if other.Blobs.Backend != "" {
		c.Blobs.Backend = other.Blobs.Backend
	}
	if other.Blobs.Bucket != "" {
		c.Blobs.Bucket = other.Blobs.Bucket
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.MetricsPath != "" {
		c.HTTP.MetricsPath = other.HTTP.MetricsPath
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// mergePolicy copies the non-zero fields of src into dst.
// A zero SuccessProbability cannot be expressed through a merge.
func mergePolicy(dst *broadcast.Policy, src broadcast.Policy) {
	if src.Delay != 0 {
		dst.Delay = src.Delay
	}
	if src.SuccessProbability != 0 {
		dst.SuccessProbability = src.SuccessProbability
	}
	if src.MinQuorum != 0 {
		dst.MinQuorum = src.MinQuorum
	}
	if src.MinNodes != 0 {
		dst.MinNodes = src.MinNodes
	}
	if src.MaxNodes != 0 {
		dst.MaxNodes = src.MaxNodes
	}
	if src.MaxPillars != 0 {
		dst.MaxPillars = src.MaxPillars
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.RetryInitial != 0 {
		dst.RetryInitial = src.RetryInitial
	}
	if src.RetryMax != 0 {
		dst.RetryMax = src.RetryMax
	}
}
