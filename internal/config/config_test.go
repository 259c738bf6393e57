package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"MaxPasses", cfg.MaxPasses, 5},
		{"Continuous", cfg.Continuous, false},
		{"PollInterval", cfg.PollInterval, time.Second},
		{"IgnoreUserDeletions", cfg.IgnoreUserDeletions, true},
		{"FLSTolerance", cfg.FLSTolerance, 2 * time.Second},
		{"TimestampGranularity", cfg.TimestampGranularity, time.Second},
		{"Shell", cfg.Shell, "/bin/sh"},
		{"Manifest", cfg.Manifest, "quire.toml"},
		{"Engine", cfg.Output.Engine, "pdflatex"},
		{"Verbose", cfg.Verbose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if diff := cmp.Diff([]string{"pdf"}, cfg.Output.Formats); diff != "" {
		t.Errorf("Formats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultSystemDirs, cfg.SystemDirs); diff != "" {
		t.Errorf("SystemDirs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "max_passes",
			envKey: "QUIRE_MAX_PASSES",
			envVal: "9",
			field:  func(c Config) any { return c.MaxPasses },
			want:   9,
		},
		{
			name:   "poll_interval",
			envKey: "QUIRE_POLL_INTERVAL",
			envVal: "250ms",
			field:  func(c Config) any { return c.PollInterval },
			want:   250 * time.Millisecond,
		},
		{
			name:   "continuous",
			envKey: "QUIRE_CONTINUOUS",
			envVal: "true",
			field:  func(c Config) any { return c.Continuous },
			want:   true,
		},
		{
			name:   "telemetry_file",
			envKey: "QUIRE_TELEMETRY_FILE",
			envVal: "/tmp/quire.jsonl",
			field:  func(c Config) any { return c.TelemetryFile },
			want:   "/tmp/quire.jsonl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			viper.SetEnvPrefix("QUIRE")
			viper.AutomaticEnv()
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			if got := tt.field(cfg); got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	resetViper()
	viper.Set("max_passes", 0)

	if _, err := Load(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() err = %v, want ErrInvalid", err)
	}
}
