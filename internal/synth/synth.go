// Package synth holds the waveform-generation collaborator of the control
// loop: anything that turns the current Φ value into the next block of audio.
package synth

import (
	"math"

	"github.com/satindergrewal/phisync/internal/audio"
)

// Generator renders one interleaved block for the given modulation value.
type Generator interface {
	Generate(phi float64, dst []float32)
}

// Silence is a Generator that renders nothing.
type Silence struct{}

func (Silence) Generate(_ float64, dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
}

// Tone is a reference generator: a base sine and a partial at Φ times its
// frequency, with phi crossfading between them.
type Tone struct {
	sampleRate int
	channels   int
	baseHz     float64
	gain       float64
	phase      [2]float64 // [0,1)
}

// NewTone returns a tone generator. Zero values fall back to 220 Hz at -12 dBFS.
func NewTone(sampleRate, channels int, baseHz, gain float64) *Tone {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if channels <= 0 {
		channels = audio.DefaultChannels
	}
	if baseHz <= 0 {
		baseHz = 220
	}
	if gain <= 0 {
		gain = 0.25
	}
	return &Tone{sampleRate: sampleRate, channels: channels, baseHz: baseHz, gain: gain}
}

func (t *Tone) Generate(phi float64, dst []float32) {
	if phi < 0 || math.IsNaN(phi) {
		phi = 0
	} else if phi > 1 {
		phi = 1
	}
	inc := [2]float64{
		t.baseHz / float64(t.sampleRate),
		t.baseHz * audio.Phi / float64(t.sampleRate),
	}
	frames := len(dst) / t.channels
	for f := 0; f < frames; f++ {
		v := (1-phi)*math.Sin(2*math.Pi*t.phase[0]) + phi*math.Sin(2*math.Pi*t.phase[1])
		s := float32(t.gain * v)
		for c := 0; c < t.channels; c++ {
			dst[f*t.channels+c] = s
		}
		for i := range t.phase {
			t.phase[i] += inc[i]
			if t.phase[i] >= 1 {
				t.phase[i]--
			}
		}
	}
}
