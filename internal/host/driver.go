// Package host connects the control loop to an audio clock: a sound device
// through oto or portaudio, or a simulated path driven by a ticker.
package host

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/scheduler"
	"github.com/satindergrewal/phisync/internal/synth"
)

// Backend runs the audio loop until ctx is done.
type Backend interface {
	Name() string
	Run(ctx context.Context) error
}

// Monitor receives every compensated output block on the audio goroutine.
// Write must not block.
type Monitor interface {
	Write(samples []float32)
}

// Driver renders blocks: the generator produces audio for the current Φ
// value and the scheduler compensates it. It is owned by whichever goroutine
// the backend runs audio on.
type Driver struct {
	sched    *scheduler.Scheduler
	gen      synth.Generator
	mon      Monitor
	channels int
	block    int // interleaved samples per block

	raw     []float32
	silence []float32
	phi     float64

	// pull model leftovers
	pending []float32
	spare   []float32
}

// NewDriver returns a driver. gen and mon may be nil.
func NewDriver(s *scheduler.Scheduler, gen synth.Generator, mon Monitor) *Driver {
	if gen == nil {
		gen = synth.Silence{}
	}
	cfg := s.Config()
	n := cfg.BlockSize * cfg.Channels
	return &Driver{
		sched:    s,
		gen:      gen,
		mon:      mon,
		channels: cfg.Channels,
		block:    n,
		raw:      make([]float32, n),
		silence:  make([]float32, n),
		phi:      0.5,
		spare:    make([]float32, n),
	}
}

// Scheduler returns the driven scheduler.
func (d *Driver) Scheduler() *scheduler.Scheduler { return d.sched }

// BlockSamples is the interleaved sample count of one block.
func (d *Driver) BlockSamples() int { return d.block }

// Process renders one block and returns the compensated output, which stays
// valid until the next call. capture may be nil.
func (d *Driver) Process(capture []float32) []float32 {
	d.gen.Generate(d.phi, d.raw)
	res := d.sched.ProcessBlock(d.raw, capture)
	d.phi = res.Modulation.Value
	if d.mon != nil {
		d.mon.Write(res.Audio)
	}
	return res.Audio
}

// ProcessInto renders len(out) samples in whole blocks, reading capture in
// step. Trailing samples that do not fill a block are rendered from a
// partial block.
func (d *Driver) ProcessInto(capture, out []float32) {
	for off := 0; off < len(out); off += d.block {
		end := off + d.block
		if end > len(out) {
			end = len(out)
		}
		var in []float32
		if capture != nil && end <= len(capture) {
			in = capture[off:end]
		}
		d.raw = d.raw[:end-off]
		copy(out[off:end], d.Process(in))
		d.raw = d.raw[:d.block]
	}
}

// Read fills dst for pull-model backends, carrying partial blocks over
// between calls. There is no capture.
func (d *Driver) Read(dst []float32) {
	for len(dst) > 0 {
		if len(d.pending) == 0 {
			copy(d.spare, d.Process(nil))
			d.pending = d.spare
		}
		n := copy(dst, d.pending)
		d.pending = d.pending[n:]
		dst = dst[n:]
	}
}

// Options configures Open.
type Options struct {
	SampleRate int
	Channels   int
	BlockSize  int
	Sim        *SimPath         // headless path
	Reported   *ReportedLatency // device-reported path latency
	RealTime   bool             // headless paces blocks on a ticker
	Log        *logrus.Entry
}

// Resolve maps "auto" to the best backend compiled in.
func Resolve(name string) string {
	if name != "auto" {
		return name
	}
	switch {
	case portaudioAvailable:
		return "portaudio"
	case otoAvailable:
		return "oto"
	}
	return "headless"
}

// Open returns the named backend for d.
func Open(name string, d *Driver, opts Options) (Backend, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	switch Resolve(name) {
	case "headless":
		if opts.Sim == nil {
			return nil, fmt.Errorf("host: headless backend needs a simulated path")
		}
		if blockMs := opts.Sim.blockMs(); opts.Sim.cfg.LatencyMs < blockMs {
			return nil, fmt.Errorf("host: simulated latency %v ms is shorter than one block (%.2f ms)", opts.Sim.cfg.LatencyMs, blockMs)
		}
		return NewHeadless(d, opts.Sim, opts.RealTime, opts.Log), nil
	case "oto":
		return newOto(d, opts)
	case "portaudio":
		return newPortaudio(d, opts)
	}
	return nil, fmt.Errorf("host: unknown backend %q", name)
}
