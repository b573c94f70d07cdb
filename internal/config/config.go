// Package config provides configuration management for capturr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMediaRoot      = "./media"
	defaultFPS            = 24
	defaultPollInterval   = 3 * time.Second
	defaultWatchdogMisses = 12
	defaultJoinTimeout    = 5 * time.Second
	defaultWatchdogGrace  = 5 * time.Second
	defaultSweepInterval  = 10 * time.Second
	defaultSaltPrefix     = "CkyfExamClient"
	maxFPS                = 120
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CAPTURR"

// Config holds all configuration for the application.
type Config struct {
	Recording RecordingConfig `mapstructure:"recording"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Signing   SigningConfig   `mapstructure:"signing"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// RecordingConfig holds per-session recording settings.
type RecordingConfig struct {
	MediaRoot        string `mapstructure:"media_root"`
	FPS              int    `mapstructure:"fps"`
	SID              string `mapstructure:"sid"`               // external correlation id written into signatures
	PreferredEncoder string `mapstructure:"preferred_encoder"` // e.g. h264_nvenc; empty = auto
}

// CaptureConfig selects and sizes capture sources.
type CaptureConfig struct {
	Backend string `mapstructure:"backend"` // device, pattern
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
	Display string `mapstructure:"display"` // X11 display for screen grabs
}

// MonitorConfig holds segment monitor and watchdog tuning.
// The defaults match the fixed policy (3s polls, 12 missed polls); overriding
// them is intended for tests and diagnostics.
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	WatchdogMisses int           `mapstructure:"watchdog_misses"`
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`
	WatchdogGrace  time.Duration `mapstructure:"watchdog_grace"`
}

// RegistryConfig holds session registry settings.
type RegistryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SigningConfig holds segment signature settings.
type SigningConfig struct {
	SaltPrefix string `mapstructure:"salt_prefix"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = auto-detect
	LogLevel   string `mapstructure:"log_level"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text, auto
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the listener
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Example: CAPTURR_RECORDING_FPS=30.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/capturr")
		v.AddConfigPath("$HOME/.capturr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("recording.media_root", defaultMediaRoot)
	v.SetDefault("recording.fps", defaultFPS)
	v.SetDefault("recording.sid", "")
	v.SetDefault("recording.preferred_encoder", "")

	v.SetDefault("capture.backend", "device")
	v.SetDefault("capture.width", 1280)
	v.SetDefault("capture.height", 720)
	v.SetDefault("capture.display", "")

	v.SetDefault("monitor.poll_interval", defaultPollInterval)
	v.SetDefault("monitor.watchdog_misses", defaultWatchdogMisses)
	v.SetDefault("monitor.join_timeout", defaultJoinTimeout)
	v.SetDefault("monitor.watchdog_grace", defaultWatchdogGrace)

	v.SetDefault("registry.sweep_interval", defaultSweepInterval)

	v.SetDefault("signing.salt_prefix", defaultSaltPrefix)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", "error")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.listen", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Recording.MediaRoot == "" {
		return fmt.Errorf("recording.media_root is required")
	}
	if c.Recording.FPS < 1 || c.Recording.FPS > maxFPS {
		return fmt.Errorf("recording.fps must be between 1 and %d", maxFPS)
	}

	if c.Capture.Backend != "device" && c.Capture.Backend != "pattern" {
		return fmt.Errorf("capture.backend must be one of: device, pattern")
	}
	if c.Capture.Width < 16 || c.Capture.Height < 16 {
		return fmt.Errorf("capture.width and capture.height must be at least 16")
	}

	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.WatchdogMisses < 1 {
		return fmt.Errorf("monitor.watchdog_misses must be at least 1")
	}
	if c.Monitor.JoinTimeout <= 0 || c.Monitor.WatchdogGrace <= 0 {
		return fmt.Errorf("monitor.join_timeout and monitor.watchdog_grace must be positive")
	}

	if c.Registry.SweepInterval < time.Second {
		return fmt.Errorf("registry.sweep_interval must be at least 1s")
	}

	if c.Signing.SaltPrefix == "" {
		return fmt.Errorf("signing.salt_prefix is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text, auto")
	}

	return nil
}

// SessionDir returns the output directory for a sanitized session name.
func (c *RecordingConfig) SessionDir(name string) string {
	return filepath.Join(c.MediaRoot, name)
}
