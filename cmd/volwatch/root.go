// Package main provides the CLI entrypoint for volwatch.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/volwatch/internal/config"
	"github.com/jmylchreest/volwatch/internal/pulse"
	"github.com/jmylchreest/volwatch/internal/volfile"
	"github.com/jmylchreest/volwatch/internal/volume"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Global configuration and state
var (
	cfg        *config.Config
	globalOpts struct {
		verbose    bool
		configPath string
		source     string
		file       string
	}
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "volwatch",
	Short: "Output volume watcher for Linux desktops",
	Long: `volwatch follows the output volume of the audio session and reports
every change.

Volume changes come from PulseAudio (or PipeWire's pulse server) over its
D-Bus protocol, or from a plain text file for scripting and testing.

Running volwatch without a subcommand watches for changes.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Setup logging
		setupLogger()

		// Load configuration
		var err error
		cfg, err = config.LoadConfig(globalOpts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Flags override the config file
		if globalOpts.source != "" {
			if !slices.Contains(config.ValidBackends(), globalOpts.source) {
				return fmt.Errorf("invalid source %q, must be one of: %v", globalOpts.source, config.ValidBackends())
			}
			cfg.Source.Backend = globalOpts.source
		}
		if globalOpts.file != "" {
			cfg.Source.File = globalOpts.file
			if globalOpts.source == "" {
				cfg.Source.Backend = config.BackendFile
			}
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		volume.SetDefault(volume.NewRegistry(newSource(cfg), volume.WithLogger(logger)))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return volume.Default().Close()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&globalOpts.configPath, "config", "",
		"Path to config file (default: ~/.config/volwatch/config.toml)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.source, "source", "",
		"Volume source (pulse, file; default from config)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.file, "file", "",
		"Volume file to watch (implies --source file)")
}

// setupLogger configures the global slog logger.
func setupLogger() {
	level := slog.LevelWarn
	if globalOpts.verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Log to stderr so stdout is clean for output
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// newSource builds the configured volume source.
func newSource(c *config.Config) volume.Source {
	switch c.Source.Backend {
	case config.BackendFile:
		return volfile.NewSource(c.SourceFile(), logger)
	default:
		return pulse.NewSource(c.Pulse.Address, logger)
	}
}

// formatType returns the --format flag value, or the configured default.
func formatType(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Output.Format
}
