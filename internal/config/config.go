// Package config loads runtime configuration for quire.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is returned when a configured value is out of range.
var ErrInvalid = errors.New("invalid configuration")

// OutputConfig selects what the build produces.
type OutputConfig struct {
	Formats []string `mapstructure:"formats"`
	Engine  string   `mapstructure:"engine"`
}

// Config holds all runtime configuration for a build.
// Values are populated from .quire.yaml, QUIRE_* env vars, and CLI flags.
type Config struct {
	MaxPasses            int           `mapstructure:"max_passes"`
	Continuous           bool          `mapstructure:"continuous"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	InactivityTimeout    time.Duration `mapstructure:"inactivity_timeout"`
	IgnoreUserDeletions  bool          `mapstructure:"ignore_user_deletions"`
	FLSTolerance         time.Duration `mapstructure:"fls_tolerance"`
	TimestampGranularity time.Duration `mapstructure:"timestamp_granularity"`
	SearchPaths          []string      `mapstructure:"search_paths"`
	SearchCacheSize      int           `mapstructure:"search_cache_size"`
	SystemDirs           []string      `mapstructure:"system_dirs"`
	Shell                string        `mapstructure:"shell"`
	Manifest             string        `mapstructure:"manifest"`
	TelemetryFile        string        `mapstructure:"telemetry_file"`
	MetricsFile          string        `mapstructure:"metrics_file"`
	Verbose              bool          `mapstructure:"verbose"`
	Output               OutputConfig  `mapstructure:"output"`
}

// DefaultSystemDirs are the usual TeX distribution trees; files under them
// are not tracked as sources.
var DefaultSystemDirs = []string{
	"/usr/share/texmf",
	"/usr/share/texlive",
	"/usr/share/texmf-dist",
	"/usr/local/texlive",
	"/opt/texlive",
	"/Library/TeX",
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("max_passes", 5)
	viper.SetDefault("continuous", false)
	viper.SetDefault("poll_interval", time.Second)
	viper.SetDefault("inactivity_timeout", time.Duration(0))
	viper.SetDefault("ignore_user_deletions", true)
	viper.SetDefault("fls_tolerance", 2*time.Second)
	viper.SetDefault("timestamp_granularity", time.Second)
	viper.SetDefault("search_paths", []string{})
	viper.SetDefault("search_cache_size", 512)
	viper.SetDefault("system_dirs", DefaultSystemDirs)
	viper.SetDefault("shell", "/bin/sh")
	viper.SetDefault("manifest", "quire.toml")
	viper.SetDefault("telemetry_file", "")
	viper.SetDefault("metrics_file", "")
	viper.SetDefault("verbose", false)
	viper.SetDefault("output.formats", []string{"pdf"})
	viper.SetDefault("output.engine", "pdflatex")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.MaxPasses < 1:
		return fmt.Errorf("%w: max_passes must be at least 1, got %d", ErrInvalid, c.MaxPasses)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	case c.InactivityTimeout < 0:
		return fmt.Errorf("%w: inactivity_timeout must not be negative", ErrInvalid)
	case c.TimestampGranularity <= 0:
		return fmt.Errorf("%w: timestamp_granularity must be positive", ErrInvalid)
	}
	return nil
}
