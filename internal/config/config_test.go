package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendPulse, cfg.Source.Backend)
	assert.Empty(t, cfg.Source.File)
	assert.Empty(t, cfg.Pulse.Address)
	assert.Equal(t, "plain", cfg.Output.Format)
	assert.False(t, cfg.Feedback.Enabled)
	assert.Equal(t, 60, cfg.Feedback.Volume)
	assert.Equal(t, 150*time.Millisecond, cfg.Feedback.MinInterval.Duration())
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, 1000, cfg.History.Keep)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[source]
backend = "file"
file = "/run/volume"

[pulse]
address = "unix:path=/run/user/1000/pulse/dbus-socket"

[output]
format = "json"

[feedback]
enabled = true
sound = "/usr/share/sounds/click.wav"
volume = 30
min_interval = "250ms"

[history]
enabled = true
path = "/tmp/volwatch.jsonl"
keep = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Source.Backend)
	assert.Equal(t, "/run/volume", cfg.SourceFile())
	assert.Equal(t, "unix:path=/run/user/1000/pulse/dbus-socket", cfg.Pulse.Address)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.True(t, cfg.Feedback.Enabled)
	assert.Equal(t, "/usr/share/sounds/click.wav", cfg.FeedbackSound())
	assert.Equal(t, 30, cfg.Feedback.Volume)
	assert.Equal(t, 250*time.Millisecond, cfg.Feedback.MinInterval.Duration())
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/tmp/volwatch.jsonl", cfg.HistoryPath())
	assert.Equal(t, 50, cfg.History.Keep)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[output]
format = "yaml"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Changed field
	assert.Equal(t, "yaml", cfg.Output.Format)

	// Unchanged fields should have defaults
	assert.Equal(t, BackendPulse, cfg.Source.Backend)
	assert.Equal(t, DefaultMinInterval, cfg.Feedback.MinInterval)
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, os.WriteFile(path, []byte(`this is not valid toml [`), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, os.WriteFile(path, []byte("[source]\nbackend = \"alsa\"\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid source backend")
}

func TestDuration_Unmarshal(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"250ms", 250 * time.Millisecond, false},
		{"1s", time.Second, false},
		{"500", 500 * time.Millisecond, false},
		{"0", 0, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Duration())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Source.Backend = "jack" }, "invalid source backend"},
		{"file backend without file", func(c *Config) { c.Source.Backend = BackendFile }, "source.file is required"},
		{"file backend", func(c *Config) {
			c.Source.Backend = BackendFile
			c.Source.File = "/run/volume"
		}, ""},
		{"unknown format", func(c *Config) { c.Output.Format = "xml" }, "invalid output format"},
		{"feedback volume too high", func(c *Config) { c.Feedback.Volume = 101 }, "feedback volume"},
		{"negative interval", func(c *Config) { c.Feedback.MinInterval = -1 }, "min_interval"},
		{"feedback without sound", func(c *Config) { c.Feedback.Enabled = true }, "feedback.sound is required"},
		{"negative keep", func(c *Config) { c.History.Keep = -5 }, "history keep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Save(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.toml")

	cfg := DefaultConfig()
	cfg.Output.Format = "json"
	cfg.Feedback.MinInterval = Duration(time.Second)

	require.NoError(t, cfg.Save(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json", loaded.Output.Format)
	assert.Equal(t, time.Second, loaded.Feedback.MinInterval.Duration())
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/volwatch/config.toml", ConfigPath())
}

func TestDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/volwatch", DataPath())
}

func TestHistoryPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/volwatch/history.jsonl", DefaultConfig().HistoryPath())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Source.File = "~/volume"
	assert.Equal(t, filepath.Join(home, "volume"), cfg.SourceFile())
}
