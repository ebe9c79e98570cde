package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/satindergrewal/phisync/internal/audio"
)

// session is one stimulus playback handed from a calibration goroutine to the
// audio goroutine.
type session struct {
	stimulus  []float64
	recorded  []float64
	pos       int
	started   bool
	done      chan struct{}
	cancelled atomic.Bool
}

// PlayAndRecord substitutes stimulus for the normal output, block by block,
// and records the capture input over the same span. It implements
// calibrate.TestPath; the host must be running for it to complete.
func (s *Scheduler) PlayAndRecord(ctx context.Context, stimulus []float64) ([]float64, error) {
	ss := &session{
		stimulus: stimulus,
		recorded: make([]float64, len(stimulus)),
		done:     make(chan struct{}),
	}
	if !s.session.CompareAndSwap(nil, ss) {
		return nil, ErrCalibrationBusy
	}
	s.calibrating.Store(true)
	select {
	case <-ss.done:
		return ss.recorded, nil
	case <-ctx.Done():
		ss.cancelled.Store(true)
		// Withdraw the session ourselves so a stopped host cannot leave it
		// installed; the audio goroutine still fades the program back in.
		if s.session.CompareAndSwap(ss, nil) {
			s.calibrating.Store(false)
		}
		return nil, ctx.Err()
	}
}

// Calibrating reports whether a stimulus is being played.
func (s *Scheduler) Calibrating() bool { return s.calibrating.Load() }

// runSession overwrites out with the stimulus while a session is active and
// fades the program back in once it ends. It reports whether this block was
// part of a session.
func (s *Scheduler) runSession(out, capture []float32) bool {
	ss := s.session.Load()
	if ss != nil && ss.cancelled.Load() {
		s.session.CompareAndSwap(ss, nil)
		ss = nil
		if !s.wasCal {
			s.calibrating.Store(false)
		}
	}
	if ss == nil {
		if s.wasCal {
			s.wasCal = false
			s.calibrating.Store(false)
			audio.CrossfadeInto(out, s.silence[:len(out)], out, s.cfg.Channels, s.cfg.SeedCurve)
		}
		return false
	}

	ch := s.cfg.Channels
	frames := len(out) / ch
	stim := s.incoming[:len(out)]
	for f := 0; f < frames; f++ {
		var v float32
		if p := ss.pos + f; p < len(ss.stimulus) {
			v = float32(ss.stimulus[p])
		}
		for c := 0; c < ch; c++ {
			stim[f*ch+c] = v
		}
		if p := ss.pos + f; p < len(ss.recorded) {
			ss.recorded[p] = captured(capture, f, ch)
		}
	}
	if !ss.started {
		ss.started = true
		audio.CrossfadeInto(out, out, stim, ch, s.cfg.SeedCurve)
	} else {
		copy(out, stim)
	}

	ss.pos += frames
	if ss.pos >= len(ss.stimulus) {
		s.session.CompareAndSwap(ss, nil)
		close(ss.done)
	}
	s.wasCal = true
	s.calibrating.Store(true)
	return true
}

// captured returns the mono mix of frame f of an interleaved capture buffer.
func captured(capture []float32, f, ch int) float64 {
	base := f * ch
	if base+ch > len(capture) {
		return 0
	}
	var sum float64
	for c := 0; c < ch; c++ {
		sum += float64(capture[base+c])
	}
	return sum / float64(ch)
}
