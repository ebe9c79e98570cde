// Package delay implements the fractional-sample delay line used for latency
// compensation.
package delay

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/interp"
)

// ErrDegradedAlignment reports that a requested delay exceeded the line's
// capacity and was clamped. The output is still produced.
var ErrDegradedAlignment = errors.New("delay: requested offset exceeds capacity, clamped")

// ErrBlockTooLarge is returned by Write when a block is longer than the
// configured maximum block size.
var ErrBlockTooLarge = errors.New("delay: block exceeds maximum block size")

// Interpolation selects how fractional offsets are resolved.
type Interpolation int

const (
	Linear Interpolation = iota
	Hermite
)

func (m Interpolation) String() string {
	switch m {
	case Linear:
		return "linear"
	case Hermite:
		return "hermite"
	}
	return fmt.Sprintf("Interpolation(%d)", int(m))
}

// ParseInterpolation resolves a configuration name.
func ParseInterpolation(name string) (Interpolation, error) {
	switch name {
	case "", "linear":
		return Linear, nil
	case "hermite", "cubic":
		return Hermite, nil
	}
	return 0, fmt.Errorf("delay: unknown interpolation %q", name)
}

// Option configures a Line.
type Option func(*Line)

// WithInterpolation sets the fractional interpolation mode. Linear is the default.
func WithInterpolation(m Interpolation) Option {
	return func(l *Line) { l.mode = m }
}

// Line is a multi-channel circular delay line with fractional read offsets.
//
// Write appends one block; Read returns the most recently written block delayed
// by offset+frac frames. A Line is not safe for concurrent use.
type Line struct {
	buf      []float32
	frames   int // ring size in frames
	channels int
	capacity int // maximum delay in frames
	maxBlock int
	mode     Interpolation

	written   uint64 // absolute frame index of the next write
	lastBlock int    // frames in the most recent Write
}

// New returns a delay line holding up to capacity frames of delay for blocks of
// at most maxBlock frames.
func New(capacity, channels, maxBlock int, opts ...Option) (*Line, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("delay capacity must be > 0: %d", capacity)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("delay channels must be > 0: %d", channels)
	}
	if maxBlock <= 0 {
		return nil, fmt.Errorf("delay block size must be > 0: %d", maxBlock)
	}
	// history for the full capacity, the current block, and interpolation neighbours
	frames := capacity + maxBlock + 2
	l := &Line{
		buf:      make([]float32, frames*channels),
		frames:   frames,
		channels: channels,
		capacity: capacity,
		maxBlock: maxBlock,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Capacity returns the maximum delay in frames.
func (l *Line) Capacity() int { return l.capacity }

// Channels returns the interleave width.
func (l *Line) Channels() int { return l.channels }

// Mode returns the interpolation mode.
func (l *Line) Mode() Interpolation { return l.mode }

// Write appends one interleaved block and advances the write cursor by its frame count.
func (l *Line) Write(samples []float32) error {
	n := len(samples) / l.channels
	if n > l.maxBlock {
		return ErrBlockTooLarge
	}
	for f := 0; f < n; f++ {
		base := int((l.written+uint64(f))%uint64(l.frames)) * l.channels
		copy(l.buf[base:base+l.channels], samples[f*l.channels:(f+1)*l.channels])
	}
	l.written += uint64(n)
	l.lastBlock = n
	return nil
}

// Read fills dst with the most recently written block delayed by offset whole
// frames plus frac of a frame. Offsets beyond Capacity()-1 are clamped and
// ErrDegradedAlignment is returned; dst is filled in either case.
func (l *Line) Read(offset int, frac float64, dst []float32) error {
	var err error
	if offset < 0 {
		offset = 0
	}
	if math.IsNaN(frac) || frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		offset += int(frac)
		frac -= math.Floor(frac)
	}
	if offset > l.capacity-1 {
		offset = l.capacity - 1
		frac = 0
		err = ErrDegradedAlignment
	}

	n := len(dst) / l.channels
	if n > l.lastBlock {
		n = l.lastBlock
	}
	start := l.written - uint64(l.lastBlock)
	newest := l.written - 1
	for f := 0; f < n; f++ {
		// absolute index of the frame at integer delay; frac reaches one further back
		at := int64(start) + int64(f) - int64(offset)
		for c := 0; c < l.channels; c++ {
			x0 := l.at(at, c)
			if frac == 0 {
				dst[f*l.channels+c] = x0
				continue
			}
			xm1 := l.at(at-1, c)
			if l.mode == Hermite && at+1 <= int64(newest) {
				x1 := l.at(at+1, c)
				xm2 := l.at(at-2, c)
				// delay grows toward older samples: interpolate from x0 to xm1
				dst[f*l.channels+c] = float32(interp.Hermite4(frac, float64(x1), float64(x0), float64(xm1), float64(xm2)))
				continue
			}
			dst[f*l.channels+c] = float32(float64(x0)*(1-frac) + float64(xm1)*frac)
		}
	}
	return err
}

// Reset clears the line.
func (l *Line) Reset() {
	for i := range l.buf {
		l.buf[i] = 0
	}
	l.written = 0
	l.lastBlock = 0
}

func (l *Line) at(abs int64, ch int) float32 {
	if abs < 0 {
		return 0
	}
	return l.buf[int(abs%int64(l.frames))*l.channels+ch]
}
