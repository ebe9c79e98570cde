// Package diagnostics carries per-block telemetry off the audio goroutine and
// publishes it at a low rate to any number of sinks.
package diagnostics

import (
	"sync/atomic"
	"time"

	"github.com/satindergrewal/phisync/internal/phi"
)

// Frame is a per-block telemetry record. Delivery is at most once and only the
// latest frame per publish tick is guaranteed to reach sinks.
type Frame struct {
	BlockID           uint64        `json:"block_id"`
	Timestamp         time.Duration `json:"timestamp_ns"`
	OffsetMs          float64       `json:"offset_ms"`
	IntegerOffset     uint32        `json:"integer_offset_samples"`
	FractionalOffset  float64       `json:"fractional_offset"`
	PendingMs         float64       `json:"pending_ms"`
	Degraded          bool          `json:"degraded"`
	DriftErrorMs      float64       `json:"drift_error_ms"`
	DriftRateMsPerMin float64       `json:"drift_rate_ms_per_min"`
	DriftCorrections  int           `json:"drift_corrections"`
	Phi               phi.Output    `json:"phi"`
	CrossfadeProgress float64       `json:"crossfade_progress"`
	Calibrating       bool          `json:"calibrating"`
	CPULoad           float64       `json:"cpu_load"`
	DeadlineMisses    uint64        `json:"deadline_misses"`
	Dropped           uint64        `json:"dropped_frames"`
}

// Queue is a bounded single-producer frame queue. When full, the producer
// discards the oldest frame so it never blocks.
type Queue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewQueue returns a queue holding up to size frames.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Frame, size)}
}

// Push enqueues f without blocking. It reports false if a frame was dropped.
func (q *Queue) Push(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- f:
	default:
		q.dropped.Add(1)
	}
	return false
}

// Drain empties the queue and returns the newest frame and how many were read.
func (q *Queue) Drain() (latest Frame, n int) {
	for {
		select {
		case f := <-q.ch:
			latest = f
			n++
		default:
			return latest, n
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns the number of frames discarded since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
