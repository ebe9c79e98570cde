package host

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/audio"
)

// SimConfig describes a simulated playback-to-capture path.
type SimConfig struct {
	SampleRate      int
	Channels        int
	BlockSize       int
	LatencyMs       float64
	DriftMsPer10Min float64 // latency change per ten minutes of audio time
	Gain            float64
}

// SimPath feeds the output back as capture after a slowly drifting latency.
// It is also a latency estimator reporting the latency it applies. All methods
// run on the audio goroutine.
type SimPath struct {
	cfg     SimConfig
	hist    []float32 // mono, indexed by absolute frame modulo len
	written int64     // frames recorded so far
	capture []float32
}

// NewSimPath returns a path. A duplex round trip spans at least one block,
// so Open refuses a path shorter than that: its capture would read output
// that has not been rendered yet.
func NewSimPath(cfg SimConfig) *SimPath {
	if cfg.Gain == 0 {
		cfg.Gain = 1
	}
	n := 1
	for n < 2*cfg.SampleRate+cfg.BlockSize {
		n <<= 1
	}
	return &SimPath{
		cfg:     cfg,
		hist:    make([]float32, n),
		capture: make([]float32, cfg.BlockSize*cfg.Channels),
	}
}

func (p *SimPath) blockMs() float64 {
	return audio.SamplesToMs(float64(p.cfg.BlockSize), p.cfg.SampleRate)
}

// LatencyMs returns the path latency at audio time at.
func (p *SimPath) LatencyMs(at time.Duration) float64 {
	return p.cfg.LatencyMs + p.cfg.DriftMsPer10Min*at.Minutes()/10
}

// PathLatencyMs implements scheduler.LatencyEstimator.
func (p *SimPath) PathLatencyMs(b audio.Block) (float64, bool) {
	return p.LatencyMs(b.Timestamp), true
}

// Capture returns what the input hears during the next block.
func (p *SimPath) Capture() []float32 {
	ch := p.cfg.Channels
	at := time.Duration(float64(p.written) / float64(p.cfg.SampleRate) * float64(time.Second))
	lag := int64(math.Round(audio.MsToSamples(p.LatencyMs(at), p.cfg.SampleRate)))
	mask := int64(len(p.hist) - 1)
	for f := 0; f < p.cfg.BlockSize; f++ {
		src := p.written + int64(f) - lag
		var v float32
		if src >= 0 && src < p.written && p.written-src <= int64(len(p.hist)) {
			v = p.hist[src&mask] * float32(p.cfg.Gain)
		}
		for c := 0; c < ch; c++ {
			p.capture[f*ch+c] = v
		}
	}
	return p.capture
}

// Record appends an output block to the path history.
func (p *SimPath) Record(out []float32) {
	ch := p.cfg.Channels
	mask := int64(len(p.hist) - 1)
	for f := 0; f+ch <= len(out); f += ch {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += out[f+c]
		}
		p.hist[p.written&mask] = sum / float32(ch)
		p.written++
	}
}

// ReportedLatency is a latency estimator fed from device latency reports.
type ReportedLatency struct {
	bits atomic.Uint64
	set  atomic.Bool
}

// Set stores the current path latency.
func (r *ReportedLatency) Set(ms float64) {
	r.bits.Store(math.Float64bits(ms))
	r.set.Store(true)
}

// PathLatencyMs implements scheduler.LatencyEstimator.
func (r *ReportedLatency) PathLatencyMs(audio.Block) (float64, bool) {
	if !r.set.Load() {
		return 0, false
	}
	return math.Float64frombits(r.bits.Load()), true
}

// Headless drives the loop from a ticker with a simulated path in place of a
// sound card.
type Headless struct {
	d        *Driver
	sim      *SimPath
	realTime bool
	log      *logrus.Entry
	blocks   atomic.Uint64
}

// NewHeadless returns a headless backend. Without realTime blocks run as fast
// as the loop allows.
func NewHeadless(d *Driver, sim *SimPath, realTime bool, log *logrus.Entry) *Headless {
	return &Headless{d: d, sim: sim, realTime: realTime, log: log.WithField("backend", "headless")}
}

func (h *Headless) Name() string { return "headless" }

// Blocks returns the number of blocks rendered.
func (h *Headless) Blocks() uint64 { return h.blocks.Load() }

// Run renders blocks until ctx is cancelled.
func (h *Headless) Run(ctx context.Context) error {
	h.log.WithFields(logrus.Fields{
		"latency_ms":    h.sim.cfg.LatencyMs,
		"drift_per_10m": h.sim.cfg.DriftMsPer10Min,
		"real_time":     h.realTime,
	}).Info("audio loop started")
	defer func() { h.log.WithField("blocks", h.Blocks()).Info("audio loop stopped") }()

	if !h.realTime {
		for ctx.Err() == nil {
			h.step()
		}
		return nil
	}

	ticker := time.NewTicker(h.d.Scheduler().BlockDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.step()
		}
	}
}

func (h *Headless) step() {
	out := h.d.Process(h.sim.Capture())
	h.sim.Record(out)
	h.blocks.Add(1)
}
