// Package config handles configuration file loading and parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default configuration values.
const (
	DefaultBackend        = BackendPulse
	DefaultFormat         = "plain"
	DefaultFeedbackVolume = 60
	DefaultMinInterval    = Duration(150 * time.Millisecond)
	DefaultHistoryKeep    = 1000
)

// Source backends.
const (
	BackendPulse = "pulse"
	BackendFile  = "file"
)

// ValidBackends returns all supported source backends.
func ValidBackends() []string {
	return []string{BackendPulse, BackendFile}
}

// ValidFormats returns all supported output formats.
func ValidFormats() []string {
	return []string{"plain", "json", "yaml"}
}

// Duration is a time.Duration that can be unmarshaled from human-readable strings.
// Supports formats like "150ms", "1s" or integer milliseconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '150ms', '1s' or milliseconds: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the volwatch configuration.
type Config struct {
	Source   SourceConfig   `toml:"source"`
	Pulse    PulseConfig    `toml:"pulse"`
	Output   OutputConfig   `toml:"output"`
	Feedback FeedbackConfig `toml:"feedback"`
	History  HistoryConfig  `toml:"history"`
}

// SourceConfig selects where volume changes come from.
type SourceConfig struct {
	Backend string `toml:"backend"` // pulse, file
	File    string `toml:"file"`    // Volume file for the file backend
}

// PulseConfig holds PulseAudio D-Bus settings.
type PulseConfig struct {
	Address string `toml:"address"` // Empty = look up via session bus
}

// OutputConfig holds the default output format.
type OutputConfig struct {
	Format string `toml:"format"` // plain, json, yaml
}

// FeedbackConfig holds the audible click played on volume changes.
type FeedbackConfig struct {
	Enabled     bool     `toml:"enabled"`
	Sound       string   `toml:"sound"`        // WAV, OGG or MP3 file
	Volume      int      `toml:"volume"`       // 0-100, scaled by the new output level
	MinInterval Duration `toml:"min_interval"` // Minimum gap between clicks
}

// HistoryConfig holds the volume change log settings.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Empty = default data path
	Keep    int    `toml:"keep"` // Entries kept by prune (0 = unlimited)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Backend: DefaultBackend,
		},
		Output: OutputConfig{
			Format: DefaultFormat,
		},
		Feedback: FeedbackConfig{
			Enabled:     false,
			Volume:      DefaultFeedbackVolume,
			MinInterval: DefaultMinInterval,
		},
		History: HistoryConfig{
			Enabled: false,
			Keep:    DefaultHistoryKeep,
		},
	}
}

// ConfigPath returns the path to the config file.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func ConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "volwatch", "config.toml")
}

// DataPath returns the path to the data directory.
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share.
func DataPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "volwatch")
}

// HistoryPath returns the configured history file, or the default
// history.jsonl in the data directory.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return expandPath(c.History.Path)
	}
	return filepath.Join(DataPath(), "history.jsonl")
}

// SourceFile returns the volume file path with ~ expanded.
func (c *Config) SourceFile() string {
	return expandPath(c.Source.File)
}

// FeedbackSound returns the feedback sound path with ~ expanded.
func (c *Config) FeedbackSound() string {
	return expandPath(c.Feedback.Sound)
}

// LoadConfig loads configuration from the specified path.
// If path is empty, uses the default config path.
// Returns default config if file doesn't exist.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults, then overlay with file contents
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the specified path.
// Creates parent directories if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains(ValidBackends(), c.Source.Backend) {
		return fmt.Errorf("invalid source backend %q, must be one of: %v", c.Source.Backend, ValidBackends())
	}
	if c.Source.Backend == BackendFile && c.Source.File == "" {
		return errors.New("source.file is required for the file backend")
	}

	if !slices.Contains(ValidFormats(), c.Output.Format) {
		return fmt.Errorf("invalid output format %q, must be one of: %v", c.Output.Format, ValidFormats())
	}

	if c.Feedback.Volume < 0 || c.Feedback.Volume > 100 {
		return fmt.Errorf("feedback volume must be between 0 and 100, got %d", c.Feedback.Volume)
	}
	if c.Feedback.MinInterval < 0 {
		return fmt.Errorf("feedback min_interval must not be negative, got %s", c.Feedback.MinInterval.Duration())
	}
	if c.Feedback.Enabled && c.Feedback.Sound == "" {
		return errors.New("feedback.sound is required when feedback is enabled")
	}

	if c.History.Keep < 0 {
		return fmt.Errorf("history keep must not be negative, got %d", c.History.Keep)
	}

	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
