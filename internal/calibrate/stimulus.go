package calibrate

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cwbudde/algo-dsp/dsp/window"
	"github.com/cwbudde/algo-vecmath"
)

// StimulusKind selects the test signal.
type StimulusKind int

const (
	SineBurst StimulusKind = iota
	Chirp
	Impulse
	Noise
)

func (k StimulusKind) String() string {
	switch k {
	case SineBurst:
		return "sine"
	case Chirp:
		return "chirp"
	case Impulse:
		return "impulse"
	case Noise:
		return "noise"
	}
	return fmt.Sprintf("StimulusKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k StimulusKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind by name.
func (k *StimulusKind) UnmarshalText(b []byte) error {
	v, err := ParseStimulus(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseStimulus resolves a stimulus name as used in configuration.
func ParseStimulus(name string) (StimulusKind, error) {
	switch name {
	case "", "sine", "sine_burst":
		return SineBurst, nil
	case "chirp", "sweep":
		return Chirp, nil
	case "impulse", "click":
		return Impulse, nil
	case "noise":
		return Noise, nil
	}
	return 0, fmt.Errorf("calibrate: unknown stimulus %q", name)
}

const (
	burstHz      = 1000
	burstMs      = 100
	fadeMs       = 5
	chirpStartHz = 100
	chirpEndHz   = 8000
	amplitude    = 0.5
)

// Stimulus is the buffer played through the test path.
type Stimulus struct {
	Kind   StimulusKind
	Played []float64 // leading silence, signal, then silence for the capture tail
	Lead   int       // frames of leading silence
	Length int       // frames of signal
}

// Signal returns the non-silent part of the stimulus.
func (s Stimulus) Signal() []float64 { return s.Played[s.Lead : s.Lead+s.Length] }

// NewStimulus renders a stimulus with lead silence and room for up to tail
// frames of path latency.
func NewStimulus(kind StimulusKind, sampleRate, lead, tail int, seed uint64) Stimulus {
	var sig []float64
	switch kind {
	case Impulse:
		sig = []float64{1}
	case Chirp:
		sig = chirp(sampleRate)
		fade(sig, sampleRate)
	case Noise:
		sig = noise(sampleRate, seed)
		fade(sig, sampleRate)
	default:
		kind = SineBurst
		sig = sineBurst(sampleRate)
		fade(sig, sampleRate)
	}
	played := make([]float64, lead+len(sig)+tail)
	copy(played[lead:], sig)
	return Stimulus{Kind: kind, Played: played, Lead: lead, Length: len(sig)}
}

func burstLen(sampleRate int) int { return sampleRate * burstMs / 1000 }

func sineBurst(sampleRate int) []float64 {
	sig := make([]float64, burstLen(sampleRate))
	w := 2 * math.Pi * burstHz / float64(sampleRate)
	for i := range sig {
		sig[i] = amplitude * math.Sin(w*float64(i))
	}
	return sig
}

// chirp is a logarithmic sweep from chirpStartHz to chirpEndHz.
func chirp(sampleRate int) []float64 {
	sig := make([]float64, burstLen(sampleRate))
	dur := float64(burstMs) / 1000
	k := math.Log(chirpEndHz / chirpStartHz)
	for i := range sig {
		t := float64(i) / float64(sampleRate)
		phase := 2 * math.Pi * chirpStartHz * dur / k * (math.Exp(t/dur*k) - 1)
		sig[i] = amplitude * math.Sin(phase)
	}
	return sig
}

func noise(sampleRate int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	sig := make([]float64, burstLen(sampleRate))
	for i := range sig {
		sig[i] = amplitude * (2*rng.Float64() - 1)
	}
	return sig
}

// fade applies Hann edges to the signal.
func fade(sig []float64, sampleRate int) {
	n := sampleRate * fadeMs / 1000
	if n*2 > len(sig) {
		n = len(sig) / 2
	}
	if n == 0 {
		return
	}
	// a periodic Hann of 2n rises over its first n coefficients
	edge, err := window.Hann(2*n, window.WithPeriodic())
	if err != nil {
		return
	}
	coeffs := make([]float64, len(sig))
	for i := range coeffs {
		coeffs[i] = 1
	}
	for i := 0; i < n; i++ {
		coeffs[i] = edge[i]
		coeffs[len(coeffs)-1-i] = edge[i]
	}
	vecmath.MulBlockInPlace(sig, coeffs)
}
