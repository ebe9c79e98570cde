package audio

import (
	"fmt"
	"math"
)

// Curve maps transition progress in [0,1] to an incoming gain in [0,1].
type Curve int

const (
	CurveSmoothstep Curve = iota
	CurveLinear
	CurveEqualPower
)

func (c Curve) String() string {
	switch c {
	case CurveSmoothstep:
		return "smoothstep"
	case CurveLinear:
		return "linear"
	case CurveEqualPower:
		return "equal-power"
	}
	return fmt.Sprintf("Curve(%d)", int(c))
}

// ParseCurve resolves a curve name as used in configuration.
func ParseCurve(name string) (Curve, error) {
	switch name {
	case "", "smoothstep":
		return CurveSmoothstep, nil
	case "linear":
		return CurveLinear, nil
	case "equal-power", "equalpower":
		return CurveEqualPower, nil
	}
	return 0, fmt.Errorf("unknown crossfade curve %q", name)
}

// Gains returns the (outgoing, incoming) weights at progress t.
// Weights always sum to 1 so a constant signal stays constant through a fade;
// the equal-power shape is normalized accordingly.
func (c Curve) Gains(t float64) (out, in float64) {
	switch c {
	case CurveLinear:
		in = clamp01(t)
	case CurveEqualPower:
		t = clamp01(t)
		s := math.Sin(t * math.Pi / 2)
		co := math.Cos(t * math.Pi / 2)
		in = s / (s + co)
	default:
		in = Smoothstep(t)
	}
	return 1 - in, in
}

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeInto ramps from outgoing to incoming across one block and writes the
// result into dst. All three slices are interleaved with the same channel count
// and must have equal length.
func CrossfadeInto(dst, outgoing, incoming []float32, channels int, curve Curve) {
	if channels <= 0 {
		channels = 1
	}
	frames := len(dst) / channels
	for f := 0; f < frames; f++ {
		gOut, gIn := curve.Gains(float64(f) / float64(frames))
		for c := 0; c < channels; c++ {
			i := f*channels + c
			dst[i] = float32(float64(outgoing[i])*gOut + float64(incoming[i])*gIn)
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
