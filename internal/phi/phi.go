// Package phi provides the interchangeable producers of the normalized Φ
// modulation value and the arbitration watchdog that picks between them.
package phi

import (
	"fmt"
	"math"
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
)

// Kind identifies a source. The set is closed.
type Kind int

const (
	Manual Kind = iota
	EnvelopeFollower
	ExternalController
	Sensor
	Oscillator
)

// Kinds lists every source kind in declaration order.
var Kinds = []Kind{Manual, EnvelopeFollower, ExternalController, Sensor, Oscillator}

func (k Kind) String() string {
	switch k {
	case Manual:
		return "manual"
	case EnvelopeFollower:
		return "envelope"
	case ExternalController:
		return "controller"
	case Sensor:
		return "sensor"
	case Oscillator:
		return "oscillator"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return k >= Manual && k <= Oscillator }

// ParseKind resolves a source name. "audio", "midi" and "internal" are accepted
// as aliases.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "manual":
		return Manual, nil
	case "envelope", "audio":
		return EnvelopeFollower, nil
	case "controller", "midi":
		return ExternalController, nil
	case "sensor":
		return Sensor, nil
	case "oscillator", "internal":
		return Oscillator, nil
	}
	return 0, fmt.Errorf("phi: unknown source %q", name)
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind by name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Sample is one reading from one source.
type Sample struct {
	Source    Kind
	Value     float64 // [0,1]
	Timestamp time.Duration
	Stale     bool
}

// Output is the modulation value produced once per block.
type Output struct {
	Value     float64       `json:"phi_value"`
	Source    Kind          `json:"contributing_source"`
	Timestamp time.Duration `json:"timestamp_ns"`
	Blending  bool          `json:"blending"`
	Stale     bool          `json:"stale"`
}

// Source is the sealed capability shared by all variants.
type Source interface {
	Kind() Kind
	Sample(b audio.Block) Sample
	source()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// floatBits and bitsFloat move float64 values through atomic.Uint64.
func floatBits(v float64) uint64 { return math.Float64bits(v) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
