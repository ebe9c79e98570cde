package calibrate

import (
	"context"
	"math/rand/v2"

	"github.com/satindergrewal/phisync/internal/audio"
)

// Loopback is a synthetic TestPath: the stimulus comes back delayed by
// DelayMs (fractional delays are linearly interpolated), scaled by Gain, with
// seeded white noise of amplitude NoiseAmp added.
type Loopback struct {
	SampleRate int
	DelayMs    float64
	Gain       float64
	NoiseAmp   float64
	Seed       uint64
}

// PlayAndRecord implements TestPath.
func (l Loopback) PlayAndRecord(ctx context.Context, stimulus []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sr := l.SampleRate
	if sr <= 0 {
		sr = audio.DefaultSampleRate
	}
	delay := audio.MsToSamples(l.DelayMs, sr)
	rng := rand.New(rand.NewPCG(l.Seed, 0x2545f4914f6cdd1d))
	out := make([]float64, len(stimulus))
	for i := range out {
		out[i] = l.Gain*sampleAt(stimulus, float64(i)-delay) + l.NoiseAmp*(2*rng.Float64()-1)
	}
	return out, nil
}
