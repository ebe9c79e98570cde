// Package config loads runtime configuration from defaults, an optional YAML
// file and PHISYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/satindergrewal/phisync/internal/audio"
	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
	"github.com/satindergrewal/phisync/internal/crossfade"
	"github.com/satindergrewal/phisync/internal/delay"
	"github.com/satindergrewal/phisync/internal/drift"
	"github.com/satindergrewal/phisync/internal/phi"
	"github.com/satindergrewal/phisync/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. PHISYNC_BLOCK_SIZE.
const EnvPrefix = "PHISYNC"

// Config holds all runtime configuration.
type Config struct {
	// Audio format
	SampleRate       int     `mapstructure:"sample_rate"`
	Channels         int     `mapstructure:"channels"`
	BlockSize        int     `mapstructure:"block_size"` // frames
	DelayCapacityMs  float64 `mapstructure:"delay_capacity_ms"`
	Interpolation    string  `mapstructure:"interpolation"`
	MaxStepSamples   float64 `mapstructure:"max_step_samples"`
	AutoCorrect      bool    `mapstructure:"auto_correct"`
	DeadlineFraction float64 `mapstructure:"deadline_fraction"`

	Drift       Drift       `mapstructure:"drift"`
	Calibration Calibration `mapstructure:"calibration"`
	Crossfade   Crossfade   `mapstructure:"crossfade"`
	Phi         Phi         `mapstructure:"phi"`
	Diagnostics Diagnostics `mapstructure:"diagnostics"`
	Synth       Synth       `mapstructure:"synth"`
	Headless    Headless    `mapstructure:"headless"`

	// Process
	Backend    string `mapstructure:"backend"` // auto, oto, portaudio, headless
	ListenAddr string `mapstructure:"listen_addr"`
	StateFile  string `mapstructure:"state_file"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"` // text or json
}

type Drift struct {
	Alpha             float64       `mapstructure:"alpha"`
	Window            time.Duration `mapstructure:"window"`
	OffsetThresholdMs float64       `mapstructure:"offset_threshold_ms"`
	DriftThresholdMs  float64       `mapstructure:"drift_threshold_ms"`
	HorizonMin        float64       `mapstructure:"horizon_min"`
	EvalBlocks        int           `mapstructure:"eval_blocks"`
	MinSamples        int           `mapstructure:"min_samples"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

type Calibration struct {
	ConfidenceThreshold  float64       `mapstructure:"confidence_threshold"`
	ResidualThresholdPct float64       `mapstructure:"residual_threshold_pct"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxLatencyMs         float64       `mapstructure:"max_latency_ms"`
	Stimulus             string        `mapstructure:"stimulus"`
	OnStart              bool          `mapstructure:"on_start"`
}

type Crossfade struct {
	DurationMs float64 `mapstructure:"duration_ms"`
	Curve      string  `mapstructure:"curve"`
}

type Phi struct {
	DefaultSource    string        `mapstructure:"default_source"`
	FallbackAfter    time.Duration `mapstructure:"fallback_after"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	OscillatorBaseHz float64       `mapstructure:"oscillator_base_hz"`
	AttackMs         float64       `mapstructure:"attack_ms"`
	ReleaseMs        float64       `mapstructure:"release_ms"`
	ControllerMin    float64       `mapstructure:"controller_min"`
	ControllerMax    float64       `mapstructure:"controller_max"`
	SensorMin        float64       `mapstructure:"sensor_min"`
	SensorMax        float64       `mapstructure:"sensor_max"`
	AutoSwitch       bool          `mapstructure:"auto_switch"`
}

type Diagnostics struct {
	RateHz     float64 `mapstructure:"rate_hz"`
	Queue      int     `mapstructure:"queue"`
	MaxClients int     `mapstructure:"max_clients"`
}

type Synth struct {
	BaseHz float64 `mapstructure:"base_hz"`
	Gain   float64 `mapstructure:"gain"`
}

// Headless simulates a playback path when no audio device is used.
type Headless struct {
	LatencyMs       float64 `mapstructure:"latency_ms"`
	DriftMsPer10Min float64 `mapstructure:"drift_ms_per_10min"`
	RealTime        bool    `mapstructure:"real_time"`
}

var defaults = map[string]any{
	"sample_rate":       audio.DefaultSampleRate,
	"channels":          audio.DefaultChannels,
	"block_size":        audio.DefaultBlockSize,
	"delay_capacity_ms": 500.0,
	"interpolation":     "linear",
	"max_step_samples":  0.5,
	"auto_correct":      true,
	"deadline_fraction": 0.8,

	"drift.alpha":               0.1,
	"drift.window":              "10m",
	"drift.offset_threshold_ms": 0.5,
	"drift.drift_threshold_ms":  2.0,
	"drift.horizon_min":         10.0,
	"drift.eval_blocks":         100,
	"drift.min_samples":         10,
	"drift.cooldown":            "5s",

	"calibration.confidence_threshold":   0.5,
	"calibration.residual_threshold_pct": 2.0,
	"calibration.timeout":                "5s",
	"calibration.max_latency_ms":         500.0,
	"calibration.stimulus":               "sine",
	"calibration.on_start":               false,

	"crossfade.duration_ms": 100.0,
	"crossfade.curve":       "smoothstep",

	"phi.default_source":     "oscillator",
	"phi.fallback_after":     "2s",
	"phi.stale_after":        "500ms",
	"phi.oscillator_base_hz": 0.1,
	"phi.attack_ms":          20.0,
	"phi.release_ms":         100.0,
	"phi.controller_min":     0.0,
	"phi.controller_max":     1.0,
	"phi.sensor_min":         0.0,
	"phi.sensor_max":         1.0,
	"phi.auto_switch":        false,

	"diagnostics.rate_hz":     20.0,
	"diagnostics.queue":       64,
	"diagnostics.max_clients": 5,

	"synth.base_hz": 220.0,
	"synth.gain":    0.25,

	"headless.latency_ms":         12.0,
	"headless.drift_ms_per_10min": 0.0,
	"headless.real_time":          true,

	"backend":     "auto",
	"listen_addr": ":8080",
	"state_file":  "phisync-state.yaml",
	"log_level":   "info",
	"log_format":  "text",
}

// New returns a viper instance with defaults and environment binding. A
// non-empty path is read as YAML.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads and validates configuration.
func Load(path string) (Config, error) {
	v, err := New(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DelayCapacity returns the delay line capacity in frames.
func (c Config) DelayCapacity() int {
	return compensation.CapacityFor(c.DelayCapacityMs, c.SampleRate)
}

// Validate reports every startup invariant that does not hold.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}
	check(c.SampleRate > 0, "sample_rate must be > 0, got %d", c.SampleRate)
	check(c.Channels > 0, "channels must be > 0, got %d", c.Channels)
	check(c.BlockSize > 0, "block_size must be > 0, got %d", c.BlockSize)
	check(c.DelayCapacityMs > 0, "delay_capacity_ms must be > 0, got %v", c.DelayCapacityMs)
	if c.SampleRate > 0 && c.BlockSize > 0 && c.DelayCapacityMs > 0 {
		check(c.DelayCapacity() >= c.BlockSize, "delay capacity %d frames is smaller than a block of %d", c.DelayCapacity(), c.BlockSize)
	}
	check(c.MaxStepSamples > 0, "max_step_samples must be > 0, got %v", c.MaxStepSamples)
	check(c.DeadlineFraction > 0 && c.DeadlineFraction <= 1, "deadline_fraction must be in (0,1], got %v", c.DeadlineFraction)

	check(c.Drift.Alpha > 0 && c.Drift.Alpha <= 1, "drift.alpha must be in (0,1], got %v", c.Drift.Alpha)
	check(c.Drift.Window > 0, "drift.window must be > 0")
	check(c.Drift.OffsetThresholdMs > 0, "drift.offset_threshold_ms must be > 0")
	check(c.Drift.DriftThresholdMs > 0, "drift.drift_threshold_ms must be > 0")
	check(c.Drift.EvalBlocks > 0, "drift.eval_blocks must be > 0")

	check(c.Calibration.ConfidenceThreshold > 0 && c.Calibration.ConfidenceThreshold <= 1,
		"calibration.confidence_threshold must be in (0,1], got %v", c.Calibration.ConfidenceThreshold)
	check(c.Calibration.ResidualThresholdPct > 0 && c.Calibration.ResidualThresholdPct <= 100,
		"calibration.residual_threshold_pct must be in (0,100], got %v", c.Calibration.ResidualThresholdPct)
	check(c.Calibration.Timeout > 0, "calibration.timeout must be > 0")
	check(c.Calibration.MaxLatencyMs > 0 && c.Calibration.MaxLatencyMs <= c.DelayCapacityMs,
		"calibration.max_latency_ms must be in (0, delay_capacity_ms], got %v", c.Calibration.MaxLatencyMs)
	_, err := calibrate.ParseStimulus(c.Calibration.Stimulus)
	check(err == nil, "calibration.stimulus %q unknown", c.Calibration.Stimulus)

	check(c.Crossfade.DurationMs > 0, "crossfade.duration_ms must be > 0")
	_, err = audio.ParseCurve(c.Crossfade.Curve)
	check(err == nil, "crossfade.curve %q unknown", c.Crossfade.Curve)
	_, err = delay.ParseInterpolation(c.Interpolation)
	check(err == nil, "interpolation %q unknown", c.Interpolation)
	_, err = phi.ParseKind(c.Phi.DefaultSource)
	check(err == nil, "phi.default_source %q unknown", c.Phi.DefaultSource)
	check(c.Phi.AttackMs >= 10 && c.Phi.AttackMs <= 500, "phi.attack_ms must be in [10,500], got %v", c.Phi.AttackMs)
	check(c.Phi.ReleaseMs >= 10 && c.Phi.ReleaseMs <= 500, "phi.release_ms must be in [10,500], got %v", c.Phi.ReleaseMs)
	check(c.Phi.ControllerMax > c.Phi.ControllerMin, "phi.controller_max must exceed controller_min")
	check(c.Phi.SensorMax > c.Phi.SensorMin, "phi.sensor_max must exceed sensor_min")

	check(c.Diagnostics.RateHz > 0, "diagnostics.rate_hz must be > 0")
	check(c.Diagnostics.Queue > 0, "diagnostics.queue must be > 0")

	if c.Backend == "headless" && c.SampleRate > 0 && c.BlockSize > 0 {
		blockMs := audio.SamplesToMs(float64(c.BlockSize), c.SampleRate)
		check(c.Headless.LatencyMs >= blockMs,
			"headless.latency_ms must be at least one block (%.2f ms), got %v", blockMs, c.Headless.LatencyMs)
	}

	switch c.Backend {
	case "auto", "oto", "portaudio", "headless":
	default:
		check(false, "backend %q unknown", c.Backend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		check(false, "log_format %q unknown", c.LogFormat)
	}
	return errors.Join(errs...)
}

// Scheduler translates the configuration into a scheduler configuration.
// The configuration must have passed Validate.
func (c Config) Scheduler() scheduler.Config {
	interp, _ := delay.ParseInterpolation(c.Interpolation)
	curve, _ := audio.ParseCurve(c.Crossfade.Curve)
	source, _ := phi.ParseKind(c.Phi.DefaultSource)

	dc := drift.DefaultConfig()
	dc.Alpha = c.Drift.Alpha
	dc.Window = c.Drift.Window
	dc.OffsetThresholdMs = c.Drift.OffsetThresholdMs
	dc.DriftThresholdMs = c.Drift.DriftThresholdMs
	dc.Horizon = time.Duration(c.Drift.HorizonMin * float64(time.Minute))
	dc.MinSamples = c.Drift.MinSamples
	dc.Cooldown = c.Drift.Cooldown
	if evals := c.Drift.Window / (time.Duration(c.Drift.EvalBlocks) * audio.BlockDuration(c.SampleRate, c.BlockSize)); evals > 0 {
		dc.Capacity = int(evals) + 1
	}

	cal := calibrate.DefaultConfig()
	cal.SampleRate = c.SampleRate
	cal.ConfidenceThreshold = c.Calibration.ConfidenceThreshold
	cal.ResidualThresholdPct = c.Calibration.ResidualThresholdPct
	cal.Timeout = c.Calibration.Timeout
	cal.MaxLatencyMs = c.Calibration.MaxLatencyMs

	return scheduler.Config{
		SampleRate:      c.SampleRate,
		Channels:        c.Channels,
		BlockSize:       c.BlockSize,
		DelayCapacity:   c.DelayCapacity(),
		Interpolation:   interp,
		MaxStepSamples:  c.MaxStepSamples,
		AutoCorrect:     c.AutoCorrect,
		Drift:           dc,
		DriftEvalBlocks: c.Drift.EvalBlocks,
		Calibration:     cal,
		Bank: phi.BankConfig{
			SampleRate:       c.SampleRate,
			BlockSize:        c.BlockSize,
			ManualInitial:    0.5,
			AttackMs:         c.Phi.AttackMs,
			ReleaseMs:        c.Phi.ReleaseMs,
			StaleAfter:       c.Phi.StaleAfter,
			OscillatorBaseHz: c.Phi.OscillatorBaseHz,
			ControllerMin:    c.Phi.ControllerMin,
			ControllerMax:    c.Phi.ControllerMax,
			SensorMin:        c.Phi.SensorMin,
			SensorMax:        c.Phi.SensorMax,
		},
		Crossfade: crossfade.Config{
			Initial:    source,
			DurationMs: c.Crossfade.DurationMs,
			Curve:      curve,
		},
		Router: phi.RouterConfig{
			Initial:       source,
			FallbackAfter: c.Phi.FallbackAfter,
			DurationMs:    c.Crossfade.DurationMs,
			AutoSwitch:    c.Phi.AutoSwitch,
		},
		DeadlineFraction: c.DeadlineFraction,
		SeedCurve:        curve,
	}
}

// Stimulus returns the configured calibration stimulus.
func (c Config) Stimulus() calibrate.StimulusKind {
	k, _ := calibrate.ParseStimulus(c.Calibration.Stimulus)
	return k
}
