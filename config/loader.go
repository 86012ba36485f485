package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "fusionledger.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/fusionledger"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables that override file configuration.
const (
	EnvNATSURL        = "FUSION_NATS_URL"
	EnvNATSURLCompat  = "NATS_URL"
	EnvStorageBackend = "FUSION_STORAGE_BACKEND"
	EnvHTTPAddr       = "FUSION_HTTP_ADDR"
	EnvLogLevel       = "FUSION_LOG_LEVEL"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	lookup func(string) (string, bool)
	source string
	// user is the user-level file the last Load applied, if any.
	user string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, lookup: os.LookupEnv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/fusionledger/config.yaml)
// 3. Project config (fusionledger.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()
	l.user = ""
	l.source = ""

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := overlay(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			l.user = userConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if err := overlay(config, projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			l.source = projectConfigPath
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	return l.finish(config)
}

// LoadPath loads defaults, then the file at path, then environment variables.
// Unlike Load, a missing or malformed file is an error.
func (l *Loader) LoadPath(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlay(config, path); err != nil {
		return nil, err
	}
	l.user = ""
	l.source = path
	l.logger.Debug("Loaded config", slog.String("path", path))
	return l.finish(config)
}

// Reload repeats the last load against the same files: defaults, the user file if it
// was applied, the source file, then environment variables. The source file must still
// be readable; a user file that has since disappeared is skipped.
func (l *Loader) Reload() (*Config, error) {
	if l.source == "" {
		return nil, fmt.Errorf("no config file loaded")
	}
	config := DefaultConfig()
	if l.user != "" {
		if err := overlay(config, l.user); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			l.logger.Debug("User config removed since startup", slog.String("path", l.user))
		}
	}
	if err := overlay(config, l.source); err != nil {
		return nil, err
	}
	return l.finish(config)
}

// Source returns the file the last load read its project settings from, if any.
// It is the file a Watcher should follow.
func (l *Loader) Source() string {
	return l.source
}

func (l *Loader) finish(config *Config) (*Config, error) {
	config.ApplyEnv(l.lookup)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	} else if v, ok := lookup(EnvNATSURLCompat); ok && v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v, ok := lookup(EnvStorageBackend); ok && v != "" {
		c.Storage.Backend = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory for user config")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// overlay decodes the file at path on top of config. Keys absent from the file keep
// their current values.
func overlay(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for fusionledger.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
