// Package calibrate measures the round-trip latency of the playback/capture
// path by playing a known stimulus and cross-correlating the recording.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/phisync/internal/audio"
)

var (
	ErrNoSignal        = errors.New("calibrate: no signal captured")
	ErrLowConfidence   = errors.New("calibrate: correlation confidence below threshold")
	ErrResidualTooHigh = errors.New("calibrate: residual error above threshold")
	ErrOutOfRange      = errors.New("calibrate: measured latency out of range")
	ErrTimeout         = errors.New("calibrate: timed out")
)

// TestPath plays a stimulus and returns what was captured. The capture must
// have the same length as the stimulus and start at the same instant.
type TestPath interface {
	PlayAndRecord(ctx context.Context, stimulus []float64) ([]float64, error)
}

// Result is the outcome of one calibration run. A failed run still carries
// whatever was measured, and Err names the cause.
type Result struct {
	RunID             uuid.UUID     `json:"run_id"`
	Stimulus          StimulusKind  `json:"stimulus"`
	MeasuredLatencyMs float64       `json:"measured_latency_ms"`
	LagSamples        float64       `json:"lag_samples"`
	Confidence        float64       `json:"confidence"`
	ResidualErrorPct  float64       `json:"residual_error_pct"`
	Gain              float64       `json:"gain"`
	Succeeded         bool          `json:"succeeded"`
	Reason            string        `json:"reason,omitempty"`
	Err               error         `json:"-"`
	Timestamp         time.Time     `json:"timestamp"`
	Duration          time.Duration `json:"duration_ns"`
}

// Config tunes the engine.
type Config struct {
	SampleRate           int
	MaxLatencyMs         float64
	LeadMs               float64
	ConfidenceThreshold  float64
	ResidualThresholdPct float64
	NoiseFloor           float64 // peak capture level below which there is no signal
	Timeout              time.Duration
	Seed                 uint64 // for the noise stimulus
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:           audio.DefaultSampleRate,
		MaxLatencyMs:         500,
		LeadMs:               50,
		ConfidenceThreshold:  0.5,
		ResidualThresholdPct: 2.0,
		NoiseFloor:           1e-4,
		Timeout:              5 * time.Second,
		Seed:                 1,
	}
}

// Engine runs calibrations against a TestPath.
type Engine struct {
	cfg  Config
	path TestPath
	now  func() time.Time
}

// NewEngine returns an engine. Zero fields in cfg take their defaults.
func NewEngine(path TestPath, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MaxLatencyMs <= 0 {
		cfg.MaxLatencyMs = def.MaxLatencyMs
	}
	if cfg.LeadMs <= 0 {
		cfg.LeadMs = def.LeadMs
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.ResidualThresholdPct <= 0 {
		cfg.ResidualThresholdPct = def.ResidualThresholdPct
	}
	if cfg.NoiseFloor <= 0 {
		cfg.NoiseFloor = def.NoiseFloor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Engine{cfg: cfg, path: path, now: time.Now}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stimulus renders the stimulus Run would play for kind.
func (e *Engine) Stimulus(kind StimulusKind) Stimulus {
	lead := int(math.Round(audio.MsToSamples(e.cfg.LeadMs, e.cfg.SampleRate)))
	tail := int(math.Ceil(audio.MsToSamples(e.cfg.MaxLatencyMs, e.cfg.SampleRate))) + 1
	return NewStimulus(kind, e.cfg.SampleRate, lead, tail, e.cfg.Seed)
}

// Run performs one calibration. It never panics; failures are reported in
// the returned Result.
func (e *Engine) Run(ctx context.Context, kind StimulusKind) (res Result) {
	started := e.now()
	res = Result{RunID: uuid.New(), Stimulus: kind, Timestamp: started}
	defer func() { res.Duration = e.now().Sub(started) }()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	st := e.Stimulus(kind)
	received, err := e.path.PlayAndRecord(ctx, st.Played)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v", ErrTimeout, e.cfg.Timeout)
		}
		return fail(res, err)
	}
	return e.analyze(res, st, received)
}

// Analyze measures latency from an already captured recording of st.
func (e *Engine) Analyze(st Stimulus, received []float64) Result {
	res := Result{RunID: uuid.New(), Stimulus: st.Kind, Timestamp: e.now()}
	return e.analyze(res, st, received)
}

func (e *Engine) analyze(res Result, st Stimulus, received []float64) Result {
	if len(received) < len(st.Played) {
		return fail(res, fmt.Errorf("%w: capture has %d frames, want %d", ErrNoSignal, len(received), len(st.Played)))
	}
	var level float64
	for _, v := range received {
		if a := math.Abs(v); a > level {
			level = a
		}
	}
	if level < e.cfg.NoiseFloor || math.IsNaN(level) {
		return fail(res, fmt.Errorf("%w: capture peak %.2g", ErrNoSignal, level))
	}

	maxLag := int(math.Ceil(audio.MsToSamples(e.cfg.MaxLatencyMs, e.cfg.SampleRate)))
	corr, err := correlate(received, st.Played, maxLag)
	if err != nil {
		return fail(res, err)
	}
	exclusion := st.Length
	if exclusion < 4 {
		exclusion = 4
	}
	p := findPeak(corr, exclusion)
	if p.primary == 0 {
		return fail(res, ErrNoSignal)
	}

	res.LagSamples = p.lag
	res.MeasuredLatencyMs = audio.SamplesToMs(p.lag, e.cfg.SampleRate)
	res.Confidence = 1 - p.secondary/p.primary
	res.Gain, res.ResidualErrorPct = fit(received, st, p.lag)

	switch {
	case p.index >= maxLag || p.lag < 0:
		return fail(res, fmt.Errorf("%w: %.2f ms outside [0, %.0f] ms", ErrOutOfRange, res.MeasuredLatencyMs, e.cfg.MaxLatencyMs))
	case res.Confidence < e.cfg.ConfidenceThreshold:
		return fail(res, fmt.Errorf("%w: %.3f < %.3f", ErrLowConfidence, res.Confidence, e.cfg.ConfidenceThreshold))
	case res.ResidualErrorPct >= e.cfg.ResidualThresholdPct:
		return fail(res, fmt.Errorf("%w: %.2f%% >= %.2f%%", ErrResidualTooHigh, res.ResidualErrorPct, e.cfg.ResidualThresholdPct))
	}
	res.Succeeded = true
	return res
}

func fail(res Result, err error) Result {
	res.Succeeded = false
	res.Err = err
	res.Reason = err.Error()
	return res
}
