package scheduler

import (
	"math"

	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
	"github.com/satindergrewal/phisync/internal/crossfade"
	"github.com/satindergrewal/phisync/internal/drift"
	"github.com/satindergrewal/phisync/internal/phi"
)

// Status is a consistent-enough view of the loop for other goroutines. Each
// part is an independently published snapshot.
type Status struct {
	Compensation    compensation.State   `json:"compensation"`
	Drift           drift.Stats          `json:"drift"`
	Crossfade       crossfade.State      `json:"crossfade"`
	Router          phi.RouterStatus     `json:"router"`
	LastCalibration *calibrate.Result    `json:"last_calibration,omitempty"`
	Breakdown       *calibrate.Breakdown `json:"breakdown,omitempty"`
	Aligned         bool                 `json:"aligned"`
	Calibrating     bool                 `json:"calibrating"`
	Blocks          uint64               `json:"blocks"`
	DeadlineMisses  uint64               `json:"deadline_misses"`
	DegradedReads   uint64               `json:"degraded_reads"`
	BlockMs         float64              `json:"block_ms"`
}

// Status collects the published snapshots. Safe from any goroutine.
func (s *Scheduler) Status() Status {
	st := Status{
		Compensation:   s.ctrl.Snapshot(),
		Drift:          *s.driftStats.Load(),
		Crossfade:      s.xfade.Snapshot(),
		Router:         s.router.Status(),
		Calibrating:    s.calibrating.Load(),
		Blocks:         s.blocks.Load(),
		DeadlineMisses: s.misses.Load(),
		DegradedReads:  s.degraded.Load(),
		BlockMs:        s.blockMs,
	}
	if res := s.lastResult.Load(); res != nil {
		r := *res
		st.LastCalibration = &r
		if r.Succeeded {
			comp := st.Compensation
			b := calibrate.NewBreakdown(
				r.MeasuredLatencyMs,
				math.Float64frombits(s.hwInputMs.Load()),
				math.Float64frombits(s.hwOutputMs.Load()),
				s.blockMs,
				comp.OffsetMs()-comp.ManualOffsetMs,
				comp.ManualOffsetMs,
			)
			st.Breakdown = &b
			st.Aligned = b.Aligned(calibrate.DefaultAlignmentToleranceMs)
		}
	}
	return st
}
