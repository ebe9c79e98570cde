// Package compensation owns the authoritative latency-compensation offset and
// moves it in bounded per-block steps.
package compensation

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/satindergrewal/phisync/internal/audio"
)

// ErrBusy is returned when the request queue is full; the caller may retry.
var ErrBusy = errors.New("compensation: request queue full")

// State is the compensation offset as seen by the delay line.
type State struct {
	IntegerOffset       uint32  `json:"integer_offset_samples" yaml:"integer_offset_samples"`
	FractionalOffset    float64 `json:"fractional_offset" yaml:"fractional_offset"`
	AutoCorrect         bool    `json:"auto_correct_enabled" yaml:"auto_correct_enabled"`
	LastCorrectionBlock uint64  `json:"last_correction_block" yaml:"last_correction_block"`
	Degraded            bool    `json:"degraded" yaml:"degraded"`
	Calibrated          bool    `json:"calibrated" yaml:"calibrated"`
	CalibratedOffsetMs  float64 `json:"calibrated_offset_ms" yaml:"calibrated_offset_ms"`
	ManualOffsetMs      float64 `json:"manual_offset_ms" yaml:"manual_offset_ms"`
	PendingMs           float64 `json:"pending_ms" yaml:"-"`
	SampleRate          int     `json:"sample_rate" yaml:"sample_rate"`
}

// OffsetSamples returns the combined offset in (fractional) samples.
func (s State) OffsetSamples() float64 {
	return float64(s.IntegerOffset) + s.FractionalOffset
}

// OffsetMs returns the combined offset in milliseconds.
func (s State) OffsetMs() float64 {
	return audio.SamplesToMs(s.OffsetSamples(), s.SampleRate)
}

// Config bounds the controller.
type Config struct {
	SampleRate     int
	Capacity       int     // delay line capacity in frames
	MaxStepSamples float64 // largest offset change per block
	AutoCorrect    bool
}

type requestKind int

const (
	reqSeed requestKind = iota
	reqRestore
	reqManual
	reqAdjust
	reqAutoCorrect
)

type request struct {
	kind  requestKind
	ms    float64
	on    bool
	state State
}

// StepResult describes what one Step did.
type StepResult struct {
	Before, After float64 // offset in samples
	Jumped        bool    // a seed or restore replaced the offset outright
}

// Controller is the sole writer of State. Step, ApplyCorrection and
// CurrentOffset belong to the audio goroutine; Seed, SetManualOffset, Adjust,
// SetAutoCorrect and Snapshot are safe from any goroutine.
type Controller struct {
	cfg Config

	offset      float64 // samples
	pending     float64 // samples still to apply
	autoCorrect bool
	lastBlock   uint64
	degraded    bool
	calibrated  bool
	calMs       float64
	manualMs    float64

	requests chan request
	snap     atomic.Pointer[State]
}

// New validates cfg and returns a controller at zero offset.
func New(cfg Config) (*Controller, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("compensation: sample rate must be > 0: %d", cfg.SampleRate)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("compensation: capacity must be > 0: %d", cfg.Capacity)
	}
	if cfg.MaxStepSamples <= 0 || math.IsNaN(cfg.MaxStepSamples) {
		return nil, fmt.Errorf("compensation: max step must be > 0: %v", cfg.MaxStepSamples)
	}
	c := &Controller{
		cfg:         cfg,
		autoCorrect: cfg.AutoCorrect,
		requests:    make(chan request, 8),
	}
	c.publish()
	return c, nil
}

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// ApplyCorrection queues a signed correction. It never moves the offset by
// itself; Step drains the queue one bounded step per block.
func (c *Controller) ApplyCorrection(deltaMs float64) {
	if math.IsNaN(deltaMs) || math.IsInf(deltaMs, 0) {
		return
	}
	c.pending += audio.MsToSamples(deltaMs, c.cfg.SampleRate)
}

// AutoCorrect reports whether drift corrections should be applied.
func (c *Controller) AutoCorrect() bool { return c.autoCorrect }

// CurrentOffset returns the offset split into whole and fractional samples.
func (c *Controller) CurrentOffset() (uint32, float64) {
	return split(c.offset)
}

// TargetMs returns the offset the controller is converging on, excluding the
// manual trim.
func (c *Controller) TargetMs() float64 {
	return audio.SamplesToMs(c.offset+c.pending, c.cfg.SampleRate) - c.manualMs
}

// PendingMs returns the correction still to be slewed in.
func (c *Controller) PendingMs() float64 {
	return audio.SamplesToMs(c.pending, c.cfg.SampleRate)
}

// Degraded reports whether the offset is pinned at the delay line capacity.
func (c *Controller) Degraded() bool { return c.degraded }

// Step applies queued requests and at most one bounded step of pending
// correction. Call exactly once per block.
func (c *Controller) Step(blockID uint64) StepResult {
	res := StepResult{Before: c.offset}
	changed := false
drain:
	for {
		select {
		case r := <-c.requests:
			if c.handle(r) {
				res.Jumped = true
			}
			changed = true
		default:
			break drain
		}
	}

	if c.pending != 0 {
		move := c.pending
		if move > c.cfg.MaxStepSamples {
			move = c.cfg.MaxStepSamples
		} else if move < -c.cfg.MaxStepSamples {
			move = -c.cfg.MaxStepSamples
		}
		c.offset += move
		c.pending -= move
		if math.Abs(c.pending) < 1e-9 {
			c.pending = 0
		}
		c.lastBlock = blockID
		changed = true
	}
	if c.clamp() {
		changed = true
	}
	res.After = c.offset
	if changed {
		c.publish()
	}
	return res
}

// Seed replaces the offset with a calibrated latency. It is a reset, not a
// correction, and takes effect at the start of the next block.
func (c *Controller) Seed(latencyMs float64) error {
	return c.post(request{kind: reqSeed, ms: latencyMs})
}

// Seeded returns the state a Seed(latencyMs) leaves behind once applied,
// without waiting for the audio goroutine. Safe from any goroutine.
func (c *Controller) Seeded(latencyMs float64) State {
	s := c.Snapshot()
	offset := audio.MsToSamples(latencyMs+s.ManualOffsetMs, c.cfg.SampleRate)
	s.Degraded = false
	if limit := float64(c.cfg.Capacity - 1); offset > limit {
		offset = limit
		s.Degraded = true
	} else if offset < 0 {
		offset = 0
	}
	s.IntegerOffset, s.FractionalOffset = split(offset)
	s.Calibrated = true
	s.CalibratedOffsetMs = latencyMs
	s.PendingMs = 0
	return s
}

// Restore loads a persisted state at the next block.
func (c *Controller) Restore(s State) error {
	return c.post(request{kind: reqRestore, state: s})
}

// SetManualOffset sets the user trim on top of the calibrated offset. The
// difference is slewed in like any other correction.
func (c *Controller) SetManualOffset(ms float64) error {
	return c.post(request{kind: reqManual, ms: ms})
}

// Adjust queues a correction from outside the audio goroutine.
func (c *Controller) Adjust(deltaMs float64) error {
	return c.post(request{kind: reqAdjust, ms: deltaMs})
}

// SetAutoCorrect enables or disables drift corrections.
func (c *Controller) SetAutoCorrect(on bool) error {
	return c.post(request{kind: reqAutoCorrect, on: on})
}

// Snapshot returns the last published state. Safe from any goroutine.
func (c *Controller) Snapshot() State {
	return *c.snap.Load()
}

func (c *Controller) post(r request) error {
	select {
	case c.requests <- r:
		return nil
	default:
		return ErrBusy
	}
}

func (c *Controller) handle(r request) (jumped bool) {
	switch r.kind {
	case reqSeed:
		if math.IsNaN(r.ms) || r.ms < 0 {
			return false
		}
		c.calMs = r.ms
		c.calibrated = true
		c.offset = audio.MsToSamples(r.ms+c.manualMs, c.cfg.SampleRate)
		c.pending = 0
		c.degraded = false
		return true
	case reqRestore:
		s := r.state
		c.calMs = s.CalibratedOffsetMs
		c.calibrated = s.Calibrated
		c.manualMs = s.ManualOffsetMs
		c.autoCorrect = s.AutoCorrect
		c.offset = float64(s.IntegerOffset) + s.FractionalOffset
		if s.SampleRate > 0 && s.SampleRate != c.cfg.SampleRate {
			c.offset = audio.MsToSamples(s.OffsetMs(), c.cfg.SampleRate)
		}
		c.pending = 0
		c.degraded = false
		return true
	case reqManual:
		c.pending += audio.MsToSamples(r.ms-c.manualMs, c.cfg.SampleRate)
		c.manualMs = r.ms
	case reqAdjust:
		c.ApplyCorrection(r.ms)
	case reqAutoCorrect:
		c.autoCorrect = r.on
	}
	return false
}

// clamp keeps IntegerOffset+1 <= capacity and the offset non-negative. The
// degraded flag clears once the offset is back inside the line.
func (c *Controller) clamp() bool {
	limit := float64(c.cfg.Capacity - 1)
	switch {
	case c.offset > limit:
		c.offset = limit
		c.pending = 0
		c.degraded = true
		return true
	case c.offset < 0:
		c.offset = 0
		c.pending = 0
		return true
	case c.degraded && c.offset < limit:
		c.degraded = false
		return true
	}
	return false
}

func (c *Controller) publish() {
	i, f := split(c.offset)
	c.snap.Store(&State{
		IntegerOffset:       i,
		FractionalOffset:    f,
		AutoCorrect:         c.autoCorrect,
		LastCorrectionBlock: c.lastBlock,
		Degraded:            c.degraded,
		Calibrated:          c.calibrated,
		CalibratedOffsetMs:  c.calMs,
		ManualOffsetMs:      c.manualMs,
		PendingMs:           audio.SamplesToMs(c.pending, c.cfg.SampleRate),
		SampleRate:          c.cfg.SampleRate,
	})
}

func split(offset float64) (uint32, float64) {
	whole := math.Floor(offset)
	frac := offset - whole
	if frac >= 1 {
		whole++
		frac = 0
	}
	return uint32(whole), frac
}

// CapacityFor returns the delay line capacity in frames for a maximum
// compensation of maxMs.
func CapacityFor(maxMs float64, sampleRate int) int {
	return int(math.Ceil(audio.MsToSamples(maxMs, sampleRate))) + 1
}
