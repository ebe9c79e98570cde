package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
	"github.com/satindergrewal/phisync/internal/delay"
	"github.com/satindergrewal/phisync/internal/phi"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix+"_") {
			t.Setenv(k, "")
			os.Unsetenv(k)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.SampleRate)
	}
	if cfg.BlockSize != 480 {
		t.Errorf("BlockSize = %d, want 480", cfg.BlockSize)
	}
	if cfg.Crossfade.DurationMs != 100 {
		t.Errorf("Crossfade.DurationMs = %v, want 100", cfg.Crossfade.DurationMs)
	}
	if cfg.Phi.FallbackAfter != 2*time.Second {
		t.Errorf("Phi.FallbackAfter = %v, want 2s", cfg.Phi.FallbackAfter)
	}
	if cfg.Drift.Window != 10*time.Minute {
		t.Errorf("Drift.Window = %v, want 10m", cfg.Drift.Window)
	}
	if cfg.Calibration.Timeout != 5*time.Second {
		t.Errorf("Calibration.Timeout = %v, want 5s", cfg.Calibration.Timeout)
	}
	if cfg.Diagnostics.MaxClients != 5 {
		t.Errorf("Diagnostics.MaxClients = %d, want 5", cfg.Diagnostics.MaxClients)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if !cfg.AutoCorrect {
		t.Error("AutoCorrect = false, want true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHISYNC_BLOCK_SIZE", "256")
	t.Setenv("PHISYNC_CROSSFADE_CURVE", "equal-power")
	t.Setenv("PHISYNC_PHI_FALLBACK_AFTER", "750ms")
	t.Setenv("PHISYNC_AUTO_CORRECT", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BlockSize != 256 {
		t.Errorf("BlockSize = %d, want 256", cfg.BlockSize)
	}
	if cfg.Crossfade.Curve != "equal-power" {
		t.Errorf("Crossfade.Curve = %q, want equal-power", cfg.Crossfade.Curve)
	}
	if cfg.Phi.FallbackAfter != 750*time.Millisecond {
		t.Errorf("Phi.FallbackAfter = %v, want 750ms", cfg.Phi.FallbackAfter)
	}
	if cfg.AutoCorrect {
		t.Error("AutoCorrect = true, want false")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "phisync.yaml")
	data := "sample_rate: 44100\nphi:\n  default_source: envelope\ncalibration:\n  stimulus: chirp\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PHISYNC_SAMPLE_RATE", "96000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SampleRate != 96000 {
		t.Errorf("SampleRate = %d, want env value 96000", cfg.SampleRate)
	}
	if cfg.Phi.DefaultSource != "envelope" {
		t.Errorf("Phi.DefaultSource = %q, want envelope", cfg.Phi.DefaultSource)
	}
	if cfg.Stimulus().String() != "chirp" {
		t.Errorf("Stimulus = %v, want chirp", cfg.Stimulus())
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestValidateRejects(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero block", func(c *Config) { c.BlockSize = 0 }, "block_size"},
		{"capacity below block", func(c *Config) { c.DelayCapacityMs = 1; c.Calibration.MaxLatencyMs = 1 }, "smaller than a block"},
		{"bad curve", func(c *Config) { c.Crossfade.Curve = "cubic" }, "crossfade.curve"},
		{"bad source", func(c *Config) { c.Phi.DefaultSource = "lfo2" }, "phi.default_source"},
		{"attack too short", func(c *Config) { c.Phi.AttackMs = 1 }, "phi.attack_ms"},
		{"confidence above one", func(c *Config) { c.Calibration.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"latency beyond capacity", func(c *Config) { c.Calibration.MaxLatencyMs = 900 }, "max_latency_ms"},
		{"bad backend", func(c *Config) { c.Backend = "alsa" }, "backend"},
		{"bad interpolation", func(c *Config) { c.Interpolation = "sinc" }, "interpolation"},
		{"headless loop shorter than a block", func(c *Config) { c.Backend = "headless"; c.Headless.LatencyMs = 7 }, "headless.latency_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSchedulerConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHISYNC_INTERPOLATION", "hermite")
	t.Setenv("PHISYNC_PHI_DEFAULT_SOURCE", "sensor")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	sc := cfg.Scheduler()
	if sc.DelayCapacity != 24001 {
		t.Errorf("DelayCapacity = %d, want 24001", sc.DelayCapacity)
	}
	if sc.Interpolation != delay.Hermite {
		t.Errorf("Interpolation = %v, want hermite", sc.Interpolation)
	}
	if sc.Router.Initial != phi.Sensor || sc.Crossfade.Initial != phi.Sensor {
		t.Errorf("initial source = %v/%v, want sensor", sc.Router.Initial, sc.Crossfade.Initial)
	}
	if sc.Crossfade.Curve != audio.CurveSmoothstep {
		t.Errorf("Curve = %v, want smoothstep", sc.Crossfade.Curve)
	}
	if sc.Drift.Capacity != 601 {
		t.Errorf("Drift.Capacity = %d, want 601", sc.Drift.Capacity)
	}
	if sc.Calibration.MaxLatencyMs != 500 {
		t.Errorf("Calibration.MaxLatencyMs = %v, want 500", sc.Calibration.MaxLatencyMs)
	}
}
