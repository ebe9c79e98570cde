package calibrate

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"github.com/cwbudde/algo-vecmath"
)

// correlate returns |xcorr(received, reference)| for lags 0..maxLag, where
// lag d means received is reference delayed by d frames.
func correlate(received, reference []float64, maxLag int) ([]float64, error) {
	full, err := conv.CorrelateFFT(received, reference)
	if err != nil {
		return nil, fmt.Errorf("calibrate: correlate: %w", err)
	}
	if maxLag > len(received)-1 {
		maxLag = len(received) - 1
	}
	out := make([]float64, maxLag+1)
	for i := conv.IndexFromLag(0, len(reference)); i < len(full); i++ {
		lag := conv.LagFromIndex(i, len(reference))
		if lag > maxLag {
			break
		}
		out[lag] = math.Abs(full[i])
	}
	return out, nil
}

// peak describes the strongest correlation lag.
type peak struct {
	index     int
	lag       float64 // parabolic refinement of index
	primary   float64
	secondary float64 // strongest value outside the exclusion zone
}

func findPeak(corr []float64, exclusion int) peak {
	var p peak
	p.index, p.primary = conv.FindPeak(corr)
	if p.index < 0 {
		return peak{}
	}
	p.lag = float64(p.index)
	if p.index > 0 && p.index < len(corr)-1 {
		y0, y1, y2 := corr[p.index-1], corr[p.index], corr[p.index+1]
		if d := y0 - 2*y1 + y2; d != 0 {
			delta := 0.5 * (y0 - y2) / d
			p.lag += math.Max(-0.5, math.Min(0.5, delta))
		}
	}
	for i, v := range corr {
		if i >= p.index-exclusion && i <= p.index+exclusion {
			continue
		}
		if v > p.secondary {
			p.secondary = v
		}
	}
	return p
}

// fit returns the least-squares gain of the stimulus delayed by lag against
// received, and the residual energy as a percentage of the received energy,
// both over the span the delayed signal occupies.
func fit(received []float64, st Stimulus, lag float64) (gain, residualPct float64) {
	start := st.Lead + int(math.Floor(lag))
	end := st.Lead + st.Length + int(math.Ceil(lag)) + 1
	if start < 0 {
		start = 0
	}
	if end > len(received) {
		end = len(received)
	}
	if end <= start {
		return 0, 100
	}

	shifted := make([]float64, end-start)
	for i := range shifted {
		shifted[i] = sampleAt(st.Played, float64(start+i)-lag)
	}
	seg := received[start:end]

	var rs, ss, rr float64
	for i, s := range shifted {
		rs += seg[i] * s
		ss += s * s
		rr += seg[i] * seg[i]
	}
	if ss == 0 || rr == 0 {
		return 0, 100
	}
	gain = rs / ss

	// shifted = seg - gain*shifted
	vecmath.ScaleBlock(shifted, shifted, -gain)
	vecmath.AddBlockInPlace(shifted, seg)
	var ee float64
	for _, e := range shifted {
		ee += e * e
	}
	return gain, 100 * ee / rr
}

// sampleAt linearly interpolates x at fractional position pos; outside the
// buffer it is zero.
func sampleAt(x []float64, pos float64) float64 {
	i := int(math.Floor(pos))
	frac := pos - float64(i)
	var a, b float64
	if i >= 0 && i < len(x) {
		a = x[i]
	}
	if i+1 >= 0 && i+1 < len(x) {
		b = x[i+1]
	}
	return a + (b-a)*frac
}
