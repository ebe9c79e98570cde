package phi

import (
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
)

// BankConfig builds one instance of every source.
type BankConfig struct {
	SampleRate       int
	BlockSize        int
	ManualInitial    float64
	AttackMs         float64
	ReleaseMs        float64
	StaleAfter       time.Duration
	OscillatorBaseHz float64
	ControllerMin    float64
	ControllerMax    float64
	SensorMin        float64
	SensorMax        float64
}

// DefaultBankConfig mirrors the documented defaults.
func DefaultBankConfig(sampleRate int) BankConfig {
	return BankConfig{
		SampleRate:       sampleRate,
		BlockSize:        audio.DefaultBlockSize,
		ManualInitial:    0.5,
		AttackMs:         20,
		ReleaseMs:        100,
		StaleAfter:       500 * time.Millisecond,
		OscillatorBaseHz: 0.1,
		ControllerMax:    1,
		SensorMax:        1,
	}
}

// Bank holds one source per kind.
type Bank struct {
	manual     *ManualSource
	envelope   *EnvelopeSource
	controller *ControllerSource
	sensor     *SensorSource
	oscillator *OscillatorSource
}

// NewBank constructs every source.
func NewBank(cfg BankConfig) *Bank {
	return &Bank{
		manual: NewManual(cfg.ManualInitial),
		envelope: NewEnvelope(EnvelopeConfig{
			SampleRate: cfg.SampleRate,
			AttackMs:   cfg.AttackMs,
			ReleaseMs:  cfg.ReleaseMs,
			BlockSize:  cfg.BlockSize,
		}),
		controller: NewController(RangeConfig{
			Min: cfg.ControllerMin, Max: cfg.ControllerMax,
			StaleAfter: cfg.StaleAfter, Initial: cfg.ManualInitial,
		}),
		sensor: NewSensor(RangeConfig{
			Min: cfg.SensorMin, Max: cfg.SensorMax,
			StaleAfter: cfg.StaleAfter, Initial: cfg.ManualInitial,
		}),
		oscillator: NewOscillator(OscillatorConfig{
			SampleRate: cfg.SampleRate,
			BaseHz:     cfg.OscillatorBaseHz,
		}),
	}
}

// Get returns the source for k, or nil if k is not a known kind.
func (b *Bank) Get(k Kind) Source {
	switch k {
	case Manual:
		return b.manual
	case EnvelopeFollower:
		return b.envelope
	case ExternalController:
		return b.controller
	case Sensor:
		return b.sensor
	case Oscillator:
		return b.oscillator
	}
	return nil
}

// Typed accessors for the goroutine-safe inputs of each source.

func (b *Bank) Manual() *ManualSource {
	return b.manual
}

func (b *Bank) Envelope() *EnvelopeSource {
	return b.envelope
}

func (b *Bank) Controller() *ControllerSource {
	return b.controller
}

func (b *Bank) Sensor() *SensorSource {
	return b.sensor
}

func (b *Bank) Oscillator() *OscillatorSource {
	return b.oscillator
}

// Stale reports whether source k has gone quiet at block time now. Only the
// externally fed sources can go stale.
func (b *Bank) Stale(k Kind, now time.Duration) bool {
	switch k {
	case ExternalController:
		return b.controller.stale.check(b.controller.seq.Load(), now)
	case Sensor:
		return b.sensor.stale.check(b.sensor.seq.Load(), now) || b.sensor.dropout.Load()
	case Manual, EnvelopeFollower, Oscillator:
		return false
	}
	return false
}

// envelopeGate is the follower level above which the input counts as live.
const envelopeGate = 0.01

// Live reports whether source k is producing input at block time now: an
// external source that has been fed and is not stale, an envelope above the
// gate, or the oscillator. Manual is never live; it is only selected
// explicitly.
func (b *Bank) Live(k Kind, now time.Duration) bool {
	switch k {
	case EnvelopeFollower:
		return b.envelope.Level() >= envelopeGate
	case ExternalController:
		return b.controller.seq.Load() > 0 && !b.Stale(k, now)
	case Sensor:
		return b.sensor.seq.Load() > 0 && !b.Stale(k, now)
	case Oscillator:
		return true
	}
	return false
}
