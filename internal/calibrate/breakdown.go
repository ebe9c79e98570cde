package calibrate

import "math"

// DefaultAlignmentToleranceMs is the residual misalignment still considered aligned.
const DefaultAlignmentToleranceMs = 5.0

// Breakdown splits a measured round trip into its components.
type Breakdown struct {
	HardwareInputMs  float64 `json:"hardware_input_ms"`
	HardwareOutputMs float64 `json:"hardware_output_ms"`
	EngineMs         float64 `json:"engine_ms"`
	OSMs             float64 `json:"os_ms"`
	TotalMs          float64 `json:"total_ms"`
	CompensationMs   float64 `json:"compensation_ms"`
	ManualOffsetMs   float64 `json:"manual_offset_ms"`
	EffectiveMs      float64 `json:"effective_ms"`
}

// NewBreakdown attributes totalMs to hardware input and output, one block of
// engine latency, and whatever remains to the OS. Effective latency is what
// compensation leaves uncorrected.
func NewBreakdown(totalMs, hwInMs, hwOutMs, blockMs, compensationMs, manualMs float64) Breakdown {
	return Breakdown{
		HardwareInputMs:  hwInMs,
		HardwareOutputMs: hwOutMs,
		EngineMs:         blockMs,
		OSMs:             math.Max(0, totalMs-hwInMs-hwOutMs-blockMs),
		TotalMs:          totalMs,
		CompensationMs:   compensationMs,
		ManualOffsetMs:   manualMs,
		EffectiveMs:      totalMs - compensationMs - manualMs,
	}
}

// Aligned reports whether the effective latency is within tolerance. A
// non-positive tolerance uses DefaultAlignmentToleranceMs.
func (b Breakdown) Aligned(toleranceMs float64) bool {
	if toleranceMs <= 0 {
		toleranceMs = DefaultAlignmentToleranceMs
	}
	return math.Abs(b.EffectiveMs) <= toleranceMs
}
