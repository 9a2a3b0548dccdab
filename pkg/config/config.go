// Package config provides configuration management for dataget. It handles
// loading, validating and saving application settings and per-host
// authentication, and loading dataset requirement files. YAML configuration
// with sensible defaults; flags and environment variables override at the
// CLI layer.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// General settings
	Settings Settings `yaml:"settings"`

	// Auth maps a host name to the authentication applied to requests
	// against it. Credentials are passed through to providers, never
	// interpreted.
	Auth map[string]*AuthConfig `yaml:"auth,omitempty"`

	// Hooks maps a hook event name to a tengo script path run for every
	// dataset. A dataset's extras override it per dataset. Event names are
	// validated when the scripts load.
	Hooks map[string]string `yaml:"hooks,omitempty"`
}

// Settings represents general application settings.
type Settings struct {
	// Cache settings
	CacheDir   string `yaml:"cache_dir,omitempty"`   // base directory for the shared store
	CachePath  string `yaml:"cache_path,omitempty"`  // explicit store file, overrides CacheDir
	LocalCache bool   `yaml:"local_cache,omitempty"` // keep the store next to each project

	// Network settings
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent_fetches"`

	// Output settings
	OutputFormat string `yaml:"output_format"` // text, json
	LogLevel     string `yaml:"log_level"`     // error, warn, info, debug
	ColorOutput  bool   `yaml:"color_output"`
}

// Default configuration values.
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxConcurrent is the default number of datasets fetched at
	// once. Sequential by default; datasets never depend on each other, so
	// raising it is safe.
	DefaultMaxConcurrent = 1

	// YAMLIndent is the number of spaces to use for YAML indentation.
	YAMLIndent = 2
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			HTTPTimeout:   DefaultHTTPTimeout,
			MaxConcurrent: DefaultMaxConcurrent,
			OutputFormat:  "text",
			LogLevel:      "info",
			ColorOutput:   true,
		},
	}
}

// LoadConfig loads configuration from a file. A missing file yields the
// default configuration.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfigPath, err.Error())
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.Wrapf(err, "failed to open config file: %s", path)
	}
	defer func() { _ = file.Close() }()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config data")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrConfigValidation, err.Error())
	}

	return &config, nil
}

// SaveConfig saves configuration to a file, replacing it atomically.
func (c *Config) SaveConfig(path string) error {
	if path == "" {
		return errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidConfigPath, err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(absPath), fsutil.DirModeDefault); err != nil {
		return errors.Wrap(errors.ErrConfigDirectory, err.Error())
	}

	tempPath := absPath + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fsutil.FileModeDefault)
	if err != nil {
		return errors.Wrap(errors.ErrConfigFileCreate, err.Error())
	}

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(YAMLIndent)

	if err := encoder.Encode(c); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return errors.Wrap(errors.ErrConfigEncode, err.Error())
	}

	_ = encoder.Close()
	_ = file.Close()

	if err := os.Rename(tempPath, absPath); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(errors.ErrConfigFileRename, err.Error())
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c == nil {
		return errors.ErrConfigValidation
	}
	s := c.Settings
	if s.HTTPTimeout < 0 {
		return fmt.Errorf("http_timeout cannot be negative")
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent_fetches must be at least 1")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[s.OutputFormat] {
		return fmt.Errorf("unsupported output format %q", s.OutputFormat)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(s.LogLevel)] {
		return fmt.Errorf("unsupported log level %q", s.LogLevel)
	}
	return nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Settings.HTTPTimeout == 0 {
		c.Settings.HTTPTimeout = defaults.Settings.HTTPTimeout
	}
	if c.Settings.MaxConcurrent == 0 {
		c.Settings.MaxConcurrent = defaults.Settings.MaxConcurrent
	}
	if c.Settings.OutputFormat == "" {
		c.Settings.OutputFormat = defaults.Settings.OutputFormat
	}
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = defaults.Settings.LogLevel
	}
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, fsutil.AppName, "config.yaml"), nil
}
