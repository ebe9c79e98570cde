package phi

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
)

// ManualSource returns the last explicitly set value.
type ManualSource struct {
	bits atomic.Uint64
}

// NewManual returns a manual source holding initial.
func NewManual(initial float64) *ManualSource {
	m := &ManualSource{}
	m.Set(initial)
	return m
}

// Set stores v clamped to [0,1]. Safe from any goroutine.
func (m *ManualSource) Set(v float64) { m.bits.Store(floatBits(clamp01(v))) }

// Value returns the stored value.
func (m *ManualSource) Value() float64 { return bitsFloat(m.bits.Load()) }

func (m *ManualSource) Kind() Kind { return Manual }

func (m *ManualSource) Sample(b audio.Block) Sample {
	return Sample{Source: Manual, Value: m.Value(), Timestamp: b.Timestamp}
}

func (*ManualSource) source() {}

// EnvelopeConfig sets the follower time constants.
type EnvelopeConfig struct {
	SampleRate int
	AttackMs   float64 // clamped to [10,500]
	ReleaseMs  float64 // clamped to [10,500]
	FullScale  float64 // envelope level that maps to 1.0
	BlockSize  int     // frames released per block when no input is captured
}

// EnvelopeSource is a peak follower over the live input with separate attack
// and release time constants.
type EnvelopeSource struct {
	attack, release float64 // one-pole coefficients per sample
	fullScale       float64
	blockSize       int
	env             float64
}

// NewEnvelope returns an envelope follower.
func NewEnvelope(cfg EnvelopeConfig) *EnvelopeSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FullScale <= 0 {
		cfg.FullScale = 1
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	return &EnvelopeSource{
		blockSize: cfg.BlockSize,
		attack:    coefficient(clampMs(cfg.AttackMs), cfg.SampleRate),
		release:   coefficient(clampMs(cfg.ReleaseMs), cfg.SampleRate),
		fullScale: cfg.FullScale,
	}
}

func clampMs(ms float64) float64 {
	if ms < 10 || math.IsNaN(ms) {
		return 10
	}
	if ms > 500 {
		return 500
	}
	return ms
}

func coefficient(ms float64, sampleRate int) float64 {
	return math.Exp(-1 / (ms * float64(sampleRate) / 1000))
}

func (e *EnvelopeSource) Kind() Kind { return EnvelopeFollower }

// Level returns the normalized follower level after the last block.
func (e *EnvelopeSource) Level() float64 { return clamp01(e.env / e.fullScale) }

// Sample runs the follower over the block; an empty block is treated as silence.
func (e *EnvelopeSource) Sample(b audio.Block) Sample {
	ch := b.Channels
	if ch <= 0 {
		ch = 1
	}
	frames := b.Frames()
	if len(b.Samples) == 0 {
		for i := 0; i < e.blockSize; i++ {
			e.env *= e.release
		}
	}
	for f := 0; f < frames && len(b.Samples) > 0; f++ {
		var level float64
		for c := 0; c < ch; c++ {
			if a := math.Abs(float64(b.Samples[f*ch+c])); a > level {
				level = a
			}
		}
		if level > e.env {
			e.env = e.attack*e.env + (1-e.attack)*level
		} else {
			e.env = e.release*e.env + (1-e.release)*level
		}
	}
	return Sample{Source: EnvelopeFollower, Value: clamp01(e.env / e.fullScale), Timestamp: b.Timestamp}
}

func (*EnvelopeSource) source() {}

// staleTracker turns an update sequence into a staleness flag on the block timeline.
type staleTracker struct {
	after     time.Duration
	seenSeq   uint64
	lastFresh time.Duration
	started   bool
}

func (s *staleTracker) check(seq uint64, now time.Duration) bool {
	if !s.started || seq != s.seenSeq {
		s.started = true
		s.seenSeq = seq
		s.lastFresh = now
		return false
	}
	return s.after > 0 && now-s.lastFresh > s.after
}

// RangeConfig maps an external reading range onto [0,1].
type RangeConfig struct {
	Min, Max   float64
	StaleAfter time.Duration
	Initial    float64 // normalized value before the first update
}

// ControllerSource linearly maps an external continuous control onto [0,1].
type ControllerSource struct {
	min, max float64
	bits     atomic.Uint64 // normalized value
	seq      atomic.Uint64
	stale    staleTracker
}

// NewController returns a controller-mapped source.
func NewController(cfg RangeConfig) *ControllerSource {
	if cfg.Max <= cfg.Min {
		cfg.Min, cfg.Max = 0, 1
	}
	c := &ControllerSource{min: cfg.Min, max: cfg.Max, stale: staleTracker{after: cfg.StaleAfter}}
	c.bits.Store(floatBits(clamp01(cfg.Initial)))
	return c
}

// Update feeds a raw control value. Safe from any goroutine.
func (c *ControllerSource) Update(raw float64) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return
	}
	c.bits.Store(floatBits(clamp01((raw - c.min) / (c.max - c.min))))
	c.seq.Add(1)
}

// UpdateCC feeds a 7-bit MIDI continuous-controller value, bypassing the range.
func (c *ControllerSource) UpdateCC(value int) {
	if value < 0 {
		value = 0
	} else if value > 127 {
		value = 127
	}
	c.bits.Store(floatBits(float64(value) / 127))
	c.seq.Add(1)
}

func (c *ControllerSource) Kind() Kind { return ExternalController }

func (c *ControllerSource) Sample(b audio.Block) Sample {
	return Sample{
		Source:    ExternalController,
		Value:     bitsFloat(c.bits.Load()),
		Timestamp: b.Timestamp,
		Stale:     c.stale.check(c.seq.Load(), b.Timestamp),
	}
}

func (*ControllerSource) source() {}

// SensorSource normalizes an analog or digital reading. On dropout it holds the
// last valid value and reports Stale.
type SensorSource struct {
	min, max float64
	bits     atomic.Uint64
	seq      atomic.Uint64
	dropout  atomic.Bool
	dropped  atomic.Uint64
	stale    staleTracker
}

// NewSensor returns a sensor source.
func NewSensor(cfg RangeConfig) *SensorSource {
	if cfg.Max <= cfg.Min {
		cfg.Min, cfg.Max = 0, 1
	}
	s := &SensorSource{min: cfg.Min, max: cfg.Max, stale: staleTracker{after: cfg.StaleAfter}}
	s.bits.Store(floatBits(clamp01(cfg.Initial)))
	return s
}

// Push feeds a reading. Non-finite readings count as a dropout. Safe from any goroutine.
func (s *SensorSource) Push(reading float64) {
	if math.IsNaN(reading) || math.IsInf(reading, 0) {
		s.Dropout()
		return
	}
	s.bits.Store(floatBits(clamp01((reading - s.min) / (s.max - s.min))))
	s.dropout.Store(false)
	s.seq.Add(1)
}

// Dropout marks the sensor as lost until the next valid reading.
func (s *SensorSource) Dropout() {
	s.dropout.Store(true)
	s.dropped.Add(1)
}

// Dropouts returns how many dropouts were reported.
func (s *SensorSource) Dropouts() uint64 { return s.dropped.Load() }

func (s *SensorSource) Kind() Kind { return Sensor }

func (s *SensorSource) Sample(b audio.Block) Sample {
	stale := s.stale.check(s.seq.Load(), b.Timestamp)
	return Sample{
		Source:    Sensor,
		Value:     bitsFloat(s.bits.Load()),
		Timestamp: b.Timestamp,
		Stale:     stale || s.dropout.Load(),
	}
}

func (*SensorSource) source() {}

// OscillatorConfig configures the internal LFO.
type OscillatorConfig struct {
	SampleRate int
	BaseHz     float64 // the rate is BaseHz * Φ
	Floor      float64
	Ceil       float64
}

// OscillatorSource is a phase-continuous low-frequency sine whose rate is a
// golden-ratio multiple of its base frequency.
type OscillatorSource struct {
	sampleRate  int
	rate        float64
	floor, ceil float64
	phase       float64 // [0,1)
}

// NewOscillator returns the internal oscillator.
func NewOscillator(cfg OscillatorConfig) *OscillatorSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.BaseHz <= 0 {
		cfg.BaseHz = 0.1
	}
	if cfg.Ceil <= cfg.Floor {
		cfg.Floor, cfg.Ceil = 0, 1
	}
	return &OscillatorSource{
		sampleRate: cfg.SampleRate,
		rate:       cfg.BaseHz * audio.Phi,
		floor:      clamp01(cfg.Floor),
		ceil:       clamp01(cfg.Ceil),
	}
}

// RateHz returns the oscillator frequency.
func (o *OscillatorSource) RateHz() float64 { return o.rate }

// Phase returns the current phase in [0,1).
func (o *OscillatorSource) Phase() float64 { return o.phase }

func (o *OscillatorSource) Kind() Kind { return Oscillator }

// Sample returns the value at the block start and advances the phase by the
// block length.
func (o *OscillatorSource) Sample(b audio.Block) Sample {
	v := o.floor + (o.ceil-o.floor)*(0.5+0.5*math.Sin(2*math.Pi*o.phase))
	o.phase += o.rate * float64(b.Frames()) / float64(o.sampleRate)
	o.phase -= math.Floor(o.phase)
	return Sample{Source: Oscillator, Value: v, Timestamp: b.Timestamp}
}

func (*OscillatorSource) source() {}
